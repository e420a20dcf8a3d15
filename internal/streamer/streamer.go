// Package streamer implements part streaming: the metadata and data
// sub-phases for moving payload parts of arbitrary size in either
// direction, with size-mismatch enforcement and external-storage
// migration for oversize payload parts.
package streamer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/types"
)

// ErrBadPartName rejects part names outside the NAMESPACE:NAME grammar
// with NAMESPACE in {PLD, ATR}.
var ErrBadPartName = errors.New("invalid part name")

// ErrSizeMismatch mirrors the wire codec's payload mismatch for the part
// layer: streamed bytes differ from the declared part size.
var ErrSizeMismatch = errors.New("Payload size mismatch")

// Spec is the announced metadata of one part transfer (sub-phase 1).
type Spec struct {
	Name     string
	Size     int64
	Version  int
	External bool
}

// ValidatePartName enforces the NAMESPACE:NAME syntax.
func ValidatePartName(name string) error {
	idx := strings.IndexByte(name, ':')
	if idx <= 0 || idx == len(name)-1 {
		return fmt.Errorf("%w: %q", ErrBadPartName, name)
	}
	switch name[:idx] {
	case string(types.NamespacePayload), string(types.NamespaceAttribute):
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrBadPartName, name)
	}
}

// ParseSpec decodes a part metadata list of the form
// (NAME PLD:DATA SIZE 10 VERSION 0 EXTERNAL) into a Spec.
func ParseSpec(list protocol.List) (Spec, error) {
	var spec Spec
	for i := 0; i < len(list); i++ {
		key, ok := protocol.StringValue(list[i])
		if !ok {
			return Spec{}, fmt.Errorf("%w: bad part metadata", ErrBadPartName)
		}
		switch key {
		case "NAME":
			i++
			if i >= len(list) {
				return Spec{}, fmt.Errorf("%w: NAME without value", ErrBadPartName)
			}
			name, ok := protocol.StringValue(list[i])
			if !ok {
				return Spec{}, fmt.Errorf("%w: bad NAME value", ErrBadPartName)
			}
			spec.Name = name
		case "SIZE":
			i++
			if i >= len(list) {
				return Spec{}, fmt.Errorf("%w: SIZE without value", ErrBadPartName)
			}
			raw, _ := protocol.StringValue(list[i])
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return Spec{}, fmt.Errorf("invalid part size %q: %w", raw, err)
			}
			spec.Size = n
		case "VERSION":
			i++
			if i >= len(list) {
				return Spec{}, fmt.Errorf("%w: VERSION without value", ErrBadPartName)
			}
			raw, _ := protocol.StringValue(list[i])
			n, err := strconv.Atoi(raw)
			if err != nil {
				return Spec{}, fmt.Errorf("invalid part version %q: %w", raw, err)
			}
			spec.Version = n
		case "EXTERNAL":
			spec.External = true
		}
	}
	if spec.Name == "" {
		return Spec{}, fmt.Errorf("%w: part metadata without NAME", ErrBadPartName)
	}
	if err := ValidatePartName(spec.Name); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Streamer carries the configuration for part transfers. SizeThreshold is
// read per call so config live-reloads take effect immediately; tests
// disable external migration by returning the maximum int64.
type Streamer struct {
	SizeThreshold func() int64
}

// New creates a Streamer with a fixed threshold.
func New(threshold int64) *Streamer {
	return &Streamer{SizeThreshold: func() int64 { return threshold }}
}

// Receive completes the data sub-phase for an announced part: data is
// either an inline literal or, for external storage, a filesystem-style
// path token. The resulting Part is not yet persisted; partial streams
// never reach the store because the literal read has already completed by
// the time Receive runs.
func (s *Streamer) Receive(itemID int64, spec Spec, data protocol.Token) (types.Part, error) {
	if err := ValidatePartName(spec.Name); err != nil {
		return types.Part{}, err
	}
	part := types.Part{
		ItemID:   itemID,
		Name:     spec.Name,
		Version:  spec.Version,
		DataSize: spec.Size,
	}
	switch v := data.(type) {
	case protocol.Literal:
		if int64(len(v)) != spec.Size {
			return types.Part{}, fmt.Errorf("%w: declared %d, streamed %d",
				ErrSizeMismatch, spec.Size, len(v))
		}
		part.Data = append([]byte(nil), v...)
		part.Storage = types.StorageInternal
	case protocol.Atom, protocol.QuotedString:
		if !spec.External {
			return types.Part{}, fmt.Errorf("%w: path token for internal part %q",
				ErrBadPartName, spec.Name)
		}
		ref, _ := protocol.StringValue(data)
		part.ExternalRef = ref
		part.Storage = types.StorageExternal
	default:
		return types.Part{}, fmt.Errorf("%w: unexpected part data token %T", ErrBadPartName, data)
	}
	// PLD parts over the threshold migrate to external storage. The blob
	// store itself is an external collaborator; here we only mark the row
	// and keep the bytes until the writer picks them up.
	if part.Storage == types.StorageInternal &&
		part.Namespace() == types.NamespacePayload &&
		part.DataSize > s.SizeThreshold() {
		part.Storage = types.StorageExternal
		if itemID != 0 {
			part.ExternalRef = ExternalRef(itemID, spec.Name, spec.Version)
		}
	}
	return part, nil
}

// Send performs both sub-phases in the server-to-client direction: the
// metadata list, then the data (the path token for external parts whose
// bytes are not held in the row, an inline literal otherwise).
func (s *Streamer) Send(enc *protocol.Encoder, p types.Part) error {
	meta := protocol.List{
		protocol.Atom("NAME"), protocol.Atom(p.Name),
		protocol.Atom("SIZE"), protocol.Int(p.DataSize),
		protocol.Atom("VERSION"), protocol.Int(int64(p.Version)),
	}
	if p.Storage == types.StorageExternal && p.Data == nil {
		meta = append(meta, protocol.Atom("EXTERNAL"))
		return enc.WriteUntagged(append(protocol.List{protocol.Atom("PART")},
			meta, protocol.Str(p.ExternalRef)))
	}
	return enc.WriteUntagged(append(protocol.List{protocol.Atom("PART")},
		meta, protocol.Literal(p.Data)))
}

// ExternalRef builds the stable filesystem-style token for an externally
// stored part.
func ExternalRef(itemID int64, name string, version int) string {
	clean := strings.ReplaceAll(name, ":", "_")
	return fmt.Sprintf("%d_r%d_%s", itemID, version, clean)
}
