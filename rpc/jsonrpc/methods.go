package jsonrpc

import (
	"context"
	"encoding/json"

	"github.com/blockberries/headerberry/headerstore"
	"github.com/blockberries/headerberry/types"
)

// Method names.
const (
	MethodHealth = "health"
	MethodStatus = "status"
	MethodTip    = "tip"
	MethodHeader = "header"
	MethodHeight = "height"
	MethodDepth  = "depth"
)

func (s *Server) registerMethods() {
	s.methods[MethodHealth] = s.handleHealth
	s.methods[MethodStatus] = s.handleStatus
	s.methods[MethodTip] = s.handleTip
	s.methods[MethodHeader] = s.handleHeader
	s.methods[MethodHeight] = s.handleHeight
	s.methods[MethodDepth] = s.handleDepth
}

func (s *Server) handleHealth(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := s.index.Ready(ctx); err != nil {
		return nil, NewErrorWithData(CodeNotReady, "index not ready", err.Error())
	}
	return HealthResult{Status: "ok"}, nil
}

func (s *Server) handleStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	tip, err := s.tip(ctx)
	if err != nil {
		return nil, err
	}

	res := StatusResult{
		ChainID:   s.info.ChainID,
		PeerID:    s.info.PeerID,
		Backend:   s.info.Backend,
		SyncState: "unknown",
		Tip:       tip,
	}
	if s.syncer != nil {
		res.SyncState = s.syncer.State().String()
		if err := s.syncer.Err(); err != nil {
			res.SyncError = err.Error()
		}
	}
	return res, nil
}

// handleTip returns null on an empty index.
func (s *Server) handleTip(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.tip(ctx)
}

func (s *Server) tip(ctx context.Context) (*TipResult, error) {
	tip, err := s.index.Tip(ctx)
	if err != nil {
		return nil, err
	}
	if !tip.Found {
		return nil, nil
	}
	return &TipResult{Height: tip.Height, Hash: tip.Hash.String()}, nil
}

func (s *Server) handleHeader(ctx context.Context, params json.RawMessage) (any, error) {
	var p HeaderParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	var q headerstore.Query
	switch {
	case p.Hash != "" && p.Height != nil:
		return nil, NewErrorWithData(CodeInvalidParams, "give hash or height, not both", nil)
	case p.Hash != "":
		hash, err := parseHash(p.Hash)
		if err != nil {
			return nil, err
		}
		q = headerstore.ByHash(hash)
	case p.Height != nil:
		q = headerstore.ByHeight(*p.Height)
	default:
		return nil, NewErrorWithData(CodeInvalidParams, "hash or height required", nil)
	}

	h, err := s.index.Header(ctx, q)
	if err != nil {
		return nil, err
	}
	if !h.Found {
		return nil, ErrNotFound
	}

	depth, err := s.index.Depth(ctx, h.Header.Hash())
	if err != nil {
		return nil, err
	}
	return NewHeaderResult(h, depth.Depth, p.Raw), nil
}

func (s *Server) handleHeight(ctx context.Context, params json.RawMessage) (any, error) {
	hash, err := hashParam(params)
	if err != nil {
		return nil, err
	}
	h, err := s.index.Height(ctx, hash)
	if err != nil {
		return nil, err
	}
	return HeightResult{Height: h.Height, Found: h.Found}, nil
}

func (s *Server) handleDepth(ctx context.Context, params json.RawMessage) (any, error) {
	hash, err := hashParam(params)
	if err != nil {
		return nil, err
	}
	d, err := s.index.Depth(ctx, hash)
	if err != nil {
		return nil, err
	}
	return DepthResult{Depth: d.Depth, Found: d.Found}, nil
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return ErrInvalidParams
	}
	if err := json.Unmarshal(params, v); err != nil {
		return NewErrorWithData(CodeInvalidParams, "invalid params", err.Error())
	}
	return nil
}

func hashParam(params json.RawMessage) (types.Hash, error) {
	var p HashParams
	if err := unmarshalParams(params, &p); err != nil {
		return types.Hash{}, err
	}
	return parseHash(p.Hash)
}

func parseHash(s string) (types.Hash, error) {
	if len(s) != 2*types.HashSize {
		return types.Hash{}, NewErrorWithData(CodeInvalidParams, "hash must be 64 hex characters", nil)
	}
	hash, err := types.HashFromHex(s)
	if err != nil {
		return types.Hash{}, NewErrorWithData(CodeInvalidParams, "invalid hash", err.Error())
	}
	return hash, nil
}
