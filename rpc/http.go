package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zulnabil/millow/core"
	"github.com/zulnabil/millow/crypto"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rpcTokenEnv     = "MILLOW_RPC_TOKEN"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
)

type Server struct {
	node      *core.Node
	authToken string
}

func NewServer(node *core.Node) *Server {
	token := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	return &Server{
		node:      node,
		authToken: token,
	}
}

// Router builds the HTTP surface: the JSON-RPC endpoint plus health and
// metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) Start(addr string) error {
	fmt.Printf("Starting JSON-RPC server on %s\n", addr)
	return http.ListenAndServe(addr, s.Router())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing bearer token"}
	}
	supplied := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "invalid bearer token"}
	}
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() { _ = r.Body.Close() }()

	var req RPCRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse error", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", "jsonrpc must be 2.0")
		return
	}

	switch req.Method {
	case "escrow_list":
		s.handleEscrowList(w, r, &req)
	case "escrow_depositEarnest":
		s.handleEscrowDeposit(w, r, &req)
	case "escrow_fundSale":
		s.handleEscrowFund(w, r, &req)
	case "escrow_updateInspectionStatus":
		s.handleEscrowInspection(w, r, &req)
	case "escrow_approveSale":
		s.handleEscrowApprove(w, r, &req)
	case "escrow_finalizeSale":
		s.handleEscrowFinalize(w, r, &req)
	case "escrow_cancelSale":
		s.handleEscrowCancel(w, r, &req)
	case "escrow_getListing":
		s.handleEscrowGetListing(w, r, &req)
	case "escrow_getApproval":
		s.handleEscrowGetApproval(w, r, &req)
	case "escrow_getBalance":
		s.handleEscrowGetBalance(w, r, &req)
	case "escrow_getParties":
		s.handleEscrowGetParties(w, r, &req)
	case "escrow_getEvents":
		s.handleEscrowGetEvents(w, r, &req)
	case "registry_mint":
		s.handleRegistryMint(w, r, &req)
	case "registry_approveTransfer":
		s.handleRegistryApprove(w, r, &req)
	case "registry_transferCustody":
		s.handleRegistryTransfer(w, r, &req)
	case "registry_custodianOf":
		s.handleRegistryCustodianOf(w, r, &req)
	case "registry_metadataURI":
		s.handleRegistryMetadataURI(w, r, &req)
	case "registry_totalIssued":
		s.handleRegistryTotalIssued(w, r, &req)
	case "bank_getBalance":
		s.handleBankGetBalance(w, r, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

func parseAddress(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}

func formatAddress(addr [20]byte) string {
	return crypto.NewAddress(addr[:]).String()
}
