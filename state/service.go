// Package state serves the header index over a request/response protocol.
//
// A Service dispatches requests onto a headerstore.Store. It is not safe for
// concurrent use; NewMemoryService and NewDurableService run it behind a
// worker.Buffer and hand out a Client, which is.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockberries/headerberry/headerstore"
	"github.com/blockberries/headerberry/logging"
	"github.com/blockberries/headerberry/metrics"
	"github.com/blockberries/headerberry/types"
)

// Service answers index requests against a store.
type Service struct {
	store   headerstore.Store
	logger  *logging.Logger
	metrics metrics.Metrics

	// highest is the largest height indexed so far, for the height gauge.
	highest types.Height
	hasTip  bool

	// fatal is set when a write fails for a reason other than a duplicate.
	// Once set, Ready returns it.
	fatal error
}

// NewService creates a Service over store.
func NewService(store headerstore.Store, opts ...Option) *Service {
	o := buildOptions(opts)
	s := &Service{
		store:   store,
		logger:  o.logger,
		metrics: o.metrics,
	}

	tip, found, err := store.GetTip()
	switch {
	case err != nil:
		s.logger.Warn("reading index tip failed", logging.Error(err))
	case found:
		s.observeHeight(tip.Height)
	}
	return s
}

// Ready reports a previous fatal write error, if any.
func (s *Service) Ready(context.Context) error {
	return s.fatal
}

// Call dispatches req to the store.
func (s *Service) Call(_ context.Context, req Request) (Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", types.ErrInvalidRequest)
	}

	kind := req.kind()
	start := time.Now()
	defer func() {
		s.metrics.IncIndexRequests(kind)
		s.metrics.ObserveIndexLatency(kind, time.Since(start))
	}()

	switch r := req.(type) {
	case AddHeader:
		return s.addHeader(r)

	case GetHeader:
		header, height, found, err := s.store.Get(r.Query)
		if err != nil {
			return nil, fmt.Errorf("get header by %s: %w", r.Query, err)
		}
		return Header{Header: header, Height: height, Found: found}, nil

	case GetHeight:
		height, found, err := s.store.GetHeight(r.Hash)
		if err != nil {
			return nil, fmt.Errorf("get height of %s: %w", r.Hash, err)
		}
		return Height{Height: height, Found: found}, nil

	case GetTip:
		tip, found, err := s.store.GetTip()
		if err != nil {
			return nil, fmt.Errorf("get tip: %w", err)
		}
		if !found {
			return Tip{}, nil
		}
		return Tip{Hash: tip.Hash, Height: tip.Height, Found: true}, nil

	case GetDepth:
		depth, found, err := s.store.Depth(r.Hash)
		if err != nil {
			return nil, fmt.Errorf("get depth of %s: %w", r.Hash, err)
		}
		return Depth{Depth: depth, Found: found}, nil

	default:
		return nil, fmt.Errorf("%w: unknown request %T", types.ErrInvalidRequest, req)
	}
}

func (s *Service) addHeader(r AddHeader) (Response, error) {
	if r.Header == nil {
		return nil, fmt.Errorf("%w: nil header", types.ErrInvalidHeader)
	}

	hash, height, err := s.store.Insert(r.Header, r.Height)
	if err != nil {
		if !errors.Is(err, types.ErrDuplicateKey) {
			s.fatal = err
			s.logger.Error("index write failed",
				logging.Height(r.Height),
				logging.Error(err),
			)
		}
		return nil, fmt.Errorf("add header at height %d: %w", r.Height, err)
	}

	s.logger.Debug("header indexed",
		logging.Height(height),
		logging.Hash(hash),
	)
	s.observeHeight(height)
	return Added{Hash: hash, Height: height}, nil
}

// observeHeight raises the index height gauge. Headers may arrive out of
// height order, so lower heights leave it alone.
func (s *Service) observeHeight(height types.Height) {
	if s.hasTip && height <= s.highest {
		return
	}
	s.highest = height
	s.hasTip = true
	s.metrics.SetIndexHeight(int64(height))
}

// Close closes the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}
