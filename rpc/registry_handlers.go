package rpc

import (
	"errors"
	"net/http"

	nativecommon "github.com/zulnabil/millow/native/common"
	"github.com/zulnabil/millow/native/registry"
)

const (
	codeRegistryInvalidParams = -32031
	codeRegistryNotFound      = -32032
	codeRegistryForbidden     = -32033
	codeRegistryConflict      = -32034
	codeRegistryInternal      = -32035
)

type registryMintParams struct {
	Caller      string `json:"caller"`
	MetadataURI string `json:"metadataURI"`
}

type registryApproveParams struct {
	Caller   string `json:"caller"`
	Delegate string `json:"delegate"`
	AssetID  uint64 `json:"assetId"`
}

type registryTransferParams struct {
	Caller  string `json:"caller"`
	AssetID uint64 `json:"assetId"`
	To      string `json:"to"`
}

type registryAssetParams struct {
	AssetID uint64 `json:"assetId"`
}

func writeRegistryError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, registry.ErrAssetNotFound):
		writeError(w, http.StatusNotFound, id, codeRegistryNotFound, "not_found", err.Error())
	case errors.Is(err, registry.ErrNotCustodian):
		writeError(w, http.StatusForbidden, id, codeRegistryForbidden, "unauthorized", err.Error())
	case errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusConflict, id, codeRegistryConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeRegistryInternal, "internal_error", err.Error())
	}
}

func (s *Server) handleRegistryMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params registryMintParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := s.node.MintAsset(caller, params.MetadataURI)
	if err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"assetId": id})
}

func (s *Server) handleRegistryApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params registryApproveParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	delegate, err := parseAddress(params.Delegate)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ApproveAssetTransfer(caller, delegate, params.AssetID); err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"approved": true})
}

func (s *Server) handleRegistryTransfer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params registryTransferParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	to, err := parseAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.TransferAsset(caller, params.AssetID, to); err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"transferred": true})
}

func (s *Server) handleRegistryCustodianOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params registryAssetParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	custodian, err := s.node.CustodianOf(params.AssetID)
	if err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"custodian": formatAddress(custodian)})
}

func (s *Server) handleRegistryMetadataURI(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params registryAssetParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	uri, err := s.node.MetadataURI(params.AssetID)
	if err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"metadataURI": uri})
}

func (s *Server) handleRegistryTotalIssued(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	total, err := s.node.TotalIssued()
	if err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"totalIssued": total})
}

type bankBalanceParams struct {
	Address string `json:"address"`
}

func (s *Server) handleBankGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params bankBalanceParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.AccountBalance(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]string{"balance": balance.String()})
}
