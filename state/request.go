package state

import (
	"github.com/blockberries/headerberry/headerstore"
	"github.com/blockberries/headerberry/types"
)

// Request is a message accepted by the index service. It is one of
// AddHeader, GetHeader, GetHeight, GetTip or GetDepth.
type Request interface {
	kind() string
}

// AddHeader indexes Header at Height.
type AddHeader struct {
	Header *types.Header
	Height types.Height
}

// GetHeader looks a header up by hash or by height.
type GetHeader struct {
	Query headerstore.Query
}

// GetHeight looks up the height of a header hash.
type GetHeight struct {
	Hash types.Hash
}

// GetTip asks for the highest indexed header.
type GetTip struct{}

// GetDepth asks how far below the tip a header hash is.
type GetDepth struct {
	Hash types.Hash
}

func (AddHeader) kind() string { return "add_header" }
func (GetHeader) kind() string { return "get_header" }
func (GetHeight) kind() string { return "get_height" }
func (GetTip) kind() string    { return "get_tip" }
func (GetDepth) kind() string  { return "get_depth" }

// Response answers exactly one Request. Lookups that find nothing return a
// response with Found unset rather than an error.
type Response interface {
	isResponse()
}

// Added answers AddHeader.
type Added struct {
	Hash   types.Hash
	Height types.Height
}

// Header answers GetHeader.
type Header struct {
	Header *types.Header
	Height types.Height
	Found  bool
}

// Height answers GetHeight.
type Height struct {
	Height types.Height
	Found  bool
}

// Tip answers GetTip.
type Tip struct {
	Hash   types.Hash
	Height types.Height
	Found  bool
}

// Depth answers GetDepth.
type Depth struct {
	Depth uint32
	Found bool
}

func (Added) isResponse()  {}
func (Header) isResponse() {}
func (Height) isResponse() {}
func (Tip) isResponse()    {}
func (Depth) isResponse()  {}
