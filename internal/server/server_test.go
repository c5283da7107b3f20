package server_test

import (
	"PoolLedger/internal/access"
	"PoolLedger/internal/core"
	"PoolLedger/internal/custody"
	"PoolLedger/internal/ingestion"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/position"
	"PoolLedger/internal/server"
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const adminToken = "s3cret"

var (
	lp       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	executor = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

// newService trusts x-caller-address as a router-fronted deployment would
func newService(t *testing.T) *server.PoolService {
	t.Helper()
	return buildService(t, true)
}

func buildService(t *testing.T, trustCallerHeader bool) *server.PoolService {
	t.Helper()
	prices := oracle.NewMemoryStore()
	prices.Set(100, oracle.Prices{
		Long:  oracle.Price{Mid: uint256.MustFromDecimal("2500000000000000000000"), Confidence: new(uint256.Int)},
		Short: oracle.Price{Mid: uint256.MustFromDecimal("1000000000000000000"), Confidence: new(uint256.Int)},
	})
	pnl := position.NewMemoryStore()
	pnl.Set(100, fpmath.NewSigned(new(uint256.Int), false))
	roles := access.NewTable()
	roles.Grant(access.RoleExecutor, executor)

	clock := core.NewBlockClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	clock.Observe(100)

	engine, err := core.NewPoolEngine(core.Config{
		Params:    pool.DefaultParams("ETH-USD"),
		Oracle:    prices,
		Positions: pnl,
		Custody:   custody.NewRecorder(),
		Access:    roles,
		Clock:     clock,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewPoolEngine: %v", err)
	}
	return server.NewPoolService(server.ServiceDeps{
		MarketID:   "ETH-USD",
		Engine:     engine,
		Feed:       ingestion.NewFeed("ETH-USD", prices, pnl, clock, nil, zerolog.Nop()),
		AdminToken: adminToken,
		Logger:     zerolog.Nop(),

		TrustCallerHeader: trustCallerHeader,
	})
}

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	return serve(t, newService(t))
}

func serve(t *testing.T, svc *server.PoolService) *httptest.Server {
	t.Helper()
	mux, err := server.NewGateway(svc, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type errorBody struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func call(t *testing.T, srv *httptest.Server, verb, path string, headers map[string]string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(verb, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", verb, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", verb, path, err)
		}
	}
	return resp.StatusCode
}

func as(addr common.Address) map[string]string {
	return map[string]string{"X-Caller-Address": addr.Hex()}
}

func deposit() map[string]string {
	return map[string]string{
		"owner":         lp.Hex(),
		"asset":         "long",
		"amount":        "1000000000000000000",
		"max_slippage":  "0.05",
		"execution_fee": "1000",
	}
}

// ===== Test: Gateway commands =====

func TestGateway_DepositLifecycle(t *testing.T) {
	srv := newGateway(t)

	var created server.CommandResponse
	if code := call(t, srv, "POST", "/v1/deposits", as(lp), deposit(), &created); code != http.StatusOK {
		t.Fatalf("create: status %d", code)
	}
	if created.Key == "" || created.Sequence != 1 {
		t.Fatalf("create response: %+v", created)
	}

	var listed server.ListRequestsResponse
	if code := call(t, srv, "GET", "/v1/owners/"+lp.Hex()+"/requests", nil, nil, &listed); code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if len(listed.Requests) != 1 || listed.Requests[0].Key != created.Key {
		t.Fatalf("listed: %+v", listed)
	}

	var executed server.CommandResponse
	if code := call(t, srv, "POST", "/v1/deposits/"+created.Key+"/execute", as(executor), nil, &executed); code != http.StatusOK {
		t.Fatalf("execute: status %d", code)
	}
	if executed.Amount == "" || executed.Amount == "0" || executed.Sequence != 2 {
		t.Fatalf("execute response: %+v", executed)
	}

	var info server.PoolInfoResponse
	if code := call(t, srv, "GET", "/v1/pool", nil, nil, &info); code != http.StatusOK {
		t.Fatalf("pool: status %d", code)
	}
	if info.ShareSupply != executed.Amount || info.Pending != 0 || info.PricingError != "" {
		t.Errorf("pool info: %+v", info)
	}
}

func TestGateway_MissingCallerIsUnauthenticated(t *testing.T) {
	srv := newGateway(t)

	var body errorBody
	if code := call(t, srv, "POST", "/v1/deposits", nil, deposit(), &body); code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", code)
	}
}

func TestGateway_ErrorsCarryReason(t *testing.T) {
	srv := newGateway(t)

	var created server.CommandResponse
	call(t, srv, "POST", "/v1/deposits", as(lp), deposit(), &created)

	var body errorBody
	if code := call(t, srv, "POST", "/v1/deposits/"+created.Key+"/execute", as(lp), nil, &body); code != http.StatusForbidden {
		t.Errorf("non-executor: got %d, want 403", code)
	}
	if body.Reason != "unauthorized" {
		t.Errorf("non-executor reason: got %q", body.Reason)
	}

	unknown := common.HexToHash("0x01").Hex()
	body = errorBody{}
	if code := call(t, srv, "POST", "/v1/deposits/"+unknown+"/execute", as(executor), nil, &body); code != http.StatusNotFound {
		t.Errorf("unknown key: got %d, want 404", code)
	}
	if body.Reason != "unknown_request" {
		t.Errorf("unknown key reason: got %q", body.Reason)
	}

	body = errorBody{}
	if code := call(t, srv, "GET", "/v1/requests/nothex", nil, nil, &body); code != http.StatusBadRequest {
		t.Errorf("bad key: got %d, want 400", code)
	}
}

func TestGateway_IdempotencyKeyRejectsReplay(t *testing.T) {
	srv := newGateway(t)
	headers := as(lp)
	headers["X-Idempotency-Key"] = "client-1"

	if code := call(t, srv, "POST", "/v1/deposits", headers, deposit(), nil); code != http.StatusOK {
		t.Fatalf("first: status %d", code)
	}
	var body errorBody
	if code := call(t, srv, "POST", "/v1/deposits", headers, deposit(), &body); code != http.StatusConflict {
		t.Fatalf("replay: got %d, want 409", code)
	}
	if body.Reason != "duplicate" {
		t.Errorf("replay reason: got %q", body.Reason)
	}
}

// ===== Test: Signed commands =====

func signedDeposit(t *testing.T, key *ecdsa.PrivateKey, commandID string) (map[string]string, map[string]string) {
	t.Helper()
	body := deposit()
	body["owner"] = crypto.PubkeyToAddress(key.PublicKey).Hex()
	digest := server.CommandDigest("ETH-USD", "create_deposit", commandID, &ingestion.CommandJSON{
		Owner:        body["owner"],
		Asset:        body["asset"],
		Amount:       body["amount"],
		MaxSlippage:  body["max_slippage"],
		ExecutionFee: body["execution_fee"],
	})
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27 // wallets send V as 27/28
	headers := map[string]string{
		"X-Caller-Address":   body["owner"],
		"X-Caller-Signature": hexutil.Encode(sig),
		"X-Idempotency-Key":  commandID,
	}
	return headers, body
}

func TestGateway_SignedCommandRecoversCaller(t *testing.T) {
	srv := serve(t, buildService(t, false))
	key, _ := crypto.GenerateKey()
	owner := crypto.PubkeyToAddress(key.PublicKey)
	headers, body := signedDeposit(t, key, "signed-1")

	var created server.CommandResponse
	if code := call(t, srv, "POST", "/v1/deposits", headers, body, &created); code != http.StatusOK {
		t.Fatalf("create: status %d", code)
	}
	var listed server.ListRequestsResponse
	call(t, srv, "GET", "/v1/owners/"+owner.Hex()+"/requests", nil, nil, &listed)
	if len(listed.Requests) != 1 || listed.Requests[0].Key != created.Key {
		t.Fatalf("listed: %+v", listed)
	}
}

func TestGateway_SignatureRejections(t *testing.T) {
	srv := serve(t, buildService(t, false))
	key, _ := crypto.GenerateKey()

	headers, body := signedDeposit(t, key, "signed-2")
	body["amount"] = "9000000000000000000"
	if code := call(t, srv, "POST", "/v1/deposits", headers, body, nil); code != http.StatusUnauthorized {
		t.Errorf("tampered amount: got %d, want 401", code)
	}

	headers, body = signedDeposit(t, key, "signed-3")
	headers["X-Caller-Address"] = lp.Hex()
	if code := call(t, srv, "POST", "/v1/deposits", headers, body, nil); code != http.StatusUnauthorized {
		t.Errorf("forged caller: got %d, want 401", code)
	}

	if code := call(t, srv, "POST", "/v1/deposits", as(lp), deposit(), nil); code != http.StatusUnauthorized {
		t.Errorf("unsigned header: got %d, want 401", code)
	}

	headers, body = signedDeposit(t, key, "")
	if code := call(t, srv, "POST", "/v1/deposits", headers, body, nil); code != http.StatusBadRequest {
		t.Errorf("no idempotency key: got %d, want 400", code)
	}
}

func TestRecoverSigner_AcceptsBothRecoveryIDForms(t *testing.T) {
	key, _ := crypto.GenerateKey()
	want := crypto.PubkeyToAddress(key.PublicKey)
	digest := crypto.Keccak256([]byte("payload"))
	sig, _ := crypto.Sign(digest, key)

	got, err := server.RecoverSigner(digest, sig)
	if err != nil || got != want {
		t.Fatalf("raw V: got %s, %v", got.Hex(), err)
	}
	sig[64] += 27
	if got, err := server.RecoverSigner(digest, sig); err != nil || got != want {
		t.Fatalf("V+27: got %s, %v", got.Hex(), err)
	}
	if _, err := server.RecoverSigner(digest, sig[:64]); err == nil {
		t.Error("short signature accepted")
	}
}

// ===== Test: Admin =====

func TestGateway_AdminPricesRequireToken(t *testing.T) {
	srv := newGateway(t)
	update := map[string]interface{}{
		"market_id": "ETH-USD",
		"block":     uint64(101),
		"long_mid":  "2600000000000000000000",
		"short_mid": "1000000000000000000",
	}

	if code := call(t, srv, "POST", "/v1/admin/prices", nil, update, nil); code != http.StatusForbidden {
		t.Fatalf("no token: got %d, want 403", code)
	}

	var ack server.AckResponse
	headers := map[string]string{"X-Admin-Token": adminToken}
	if code := call(t, srv, "POST", "/v1/admin/prices", headers, update, &ack); code != http.StatusOK || !ack.Accepted {
		t.Fatalf("with token: status %d ack %+v", code, ack)
	}

	var info server.PoolInfoResponse
	call(t, srv, "GET", "/v1/pool", nil, nil, &info)
	if info.Block != 101 {
		t.Errorf("clock: got block %d, want 101", info.Block)
	}
}

func TestGateway_ProjectionReadsDisabledWithoutDB(t *testing.T) {
	srv := newGateway(t)
	if code := call(t, srv, "GET", "/v1/history/pool", nil, nil, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", code)
	}
}

// ===== Test: gRPC JSON codec =====

func TestGRPC_PoolInfoOverJSONCodec(t *testing.T) {
	svc := newService(t)
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&server.ServiceDesc, svc)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go grpcServer.Serve(lis)
	defer grpcServer.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "x-caller-address", lp.Hex())

	var created server.CommandResponse
	if err := conn.Invoke(ctx, "/poolledger.v1.PoolService/CreateDeposit", deposit(), &created, grpc.CallContentSubtype("json")); err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}
	var info server.PoolInfoResponse
	if err := conn.Invoke(ctx, "/poolledger.v1.PoolService/PoolInfo", &server.Empty{}, &info, grpc.CallContentSubtype("json")); err != nil {
		t.Fatalf("PoolInfo: %v", err)
	}
	if info.MarketID != "ETH-USD" || info.Pending != 1 || info.Sequence != 1 {
		t.Errorf("pool info: %+v", info)
	}
}

// ===== Test: WebSocket hub =====

func TestHub_FiltersByEventType(t *testing.T) {
	in := make(chan ingestion.PublishableEvent, 4)
	hub := server.NewHub(in, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?types=DepositExecuted"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	in <- ingestion.PublishableEvent{Sequence: 1, EventType: "DepositCreated", MarketID: "ETH-USD", Payload: json.RawMessage(`{}`)}
	in <- ingestion.PublishableEvent{Sequence: 2, EventType: "DepositExecuted", MarketID: "ETH-USD", Payload: json.RawMessage(`{}`)}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got ingestion.PublishableEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Sequence != 2 || got.EventType != "DepositExecuted" {
		t.Errorf("got %+v, want the execution event only", got)
	}
}
