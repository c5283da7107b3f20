package server

import (
	"PoolLedger/internal/ingestion"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mdSignature carries a 65-byte secp256k1 signature over CommandDigest
const mdSignature = "x-caller-signature"

// CommandDigest is the EIP-191 personal-message hash a caller signs to
// submit command. The signed message is a JSON array of the market, command,
// idempotency key and every command field, so no field can shift into another.
func CommandDigest(marketID, command, commandID string, in *ingestion.CommandJSON) []byte {
	msg, _ := json.Marshal([]string{
		"poolledger", marketID, command, commandID,
		in.Key, in.Owner, in.Asset, in.Amount, in.MaxSlippage, in.ExecutionFee, in.Account,
	})
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// RecoverSigner returns the address that produced sig over digest. V may be
// 0/1 or 27/28.
func RecoverSigner(digest []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// authenticate resolves the caller of a command from x-caller-address. Unless
// the header is trusted, x-caller-signature must recover to that address.
func (s *PoolService) authenticate(ctx context.Context, command, commandID string, in *ingestion.CommandJSON) (string, error) {
	claimed := firstMetadata(ctx, mdCaller)
	if claimed == "" {
		return "", status.Error(codes.Unauthenticated, mdCaller+" metadata is required")
	}
	if s.trustCallerHeader {
		return claimed, nil
	}

	raw := firstMetadata(ctx, mdSignature)
	if raw == "" {
		return "", status.Error(codes.Unauthenticated, mdSignature+" metadata is required")
	}
	if commandID == "" {
		return "", status.Error(codes.InvalidArgument, mdIdempotencyKey+" is required for signed commands")
	}
	sig, err := hexutil.Decode(raw)
	if err != nil {
		return "", status.Errorf(codes.Unauthenticated, "%s: %v", mdSignature, err)
	}
	signer, err := RecoverSigner(CommandDigest(s.marketID, command, commandID, in), sig)
	if err != nil {
		return "", status.Errorf(codes.Unauthenticated, "%s: %v", mdSignature, err)
	}
	if !common.IsHexAddress(claimed) || common.HexToAddress(claimed) != signer {
		return "", status.Errorf(codes.Unauthenticated, "signature is from %s, not %s", signer.Hex(), claimed)
	}
	return signer.Hex(), nil
}
