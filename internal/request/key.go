package request

import (
	"PoolLedger/internal/pool"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// DeriveKey hashes kind || owner || asset || amount || block || nonce.
// The registry nonce keeps two identical intents in the same block apart.
func DeriveKey(kind Kind, owner common.Address, asset pool.Asset, amount *uint256.Int, block, nonce uint64) common.Hash {
	buf := make([]byte, 0, 1+common.AddressLength+1+32+8+8)
	buf = append(buf, byte(kind))
	buf = append(buf, owner.Bytes()...)
	buf = append(buf, byte(asset))
	amt := amount.Bytes32()
	buf = append(buf, amt[:]...)
	buf = binary.BigEndian.AppendUint64(buf, block)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return crypto.Keccak256Hash(buf)
}
