package types

import "fmt"

// FrameIdentity names one frame inside one engine process at a point in time.
// Both parts are assigned by the engine and are always positive.
type FrameIdentity struct {
	ProcessID int32 `json:"process_id"`
	RoutingID int32 `json:"routing_id"`
}

// Valid reports whether the identity is well formed.
func (id FrameIdentity) Valid() bool {
	return id.ProcessID > 0 && id.RoutingID > 0
}

// MustValid panics when id is malformed. Callers use it before an identity
// becomes a map key.
func (id FrameIdentity) MustValid() FrameIdentity {
	if !id.Valid() {
		panic(fmt.Sprintf("invalid frame identity %s", id))
	}
	return id
}

// BelongsTo reports whether the frame lives in the given engine process.
func (id FrameIdentity) BelongsTo(processID int32) bool {
	return id.ProcessID == processID
}

func (id FrameIdentity) String() string {
	return fmt.Sprintf("[%d,%d]", id.ProcessID, id.RoutingID)
}

// SurfaceID identifies a page-content object materialized by the engine. It
// does not exist before the engine creates the surface.
type SurfaceID string

// Surface describes a freshly materialized page-content object together with
// the identity of its primary frame.
type Surface struct {
	ID        SurfaceID
	MainFrame FrameIdentity
}
