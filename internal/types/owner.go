package types

// NotFoundBrowserID is reported in OwnerInfo when no browser owns a frame,
// when the request timed out, or when the frame's process went away.
const NotFoundBrowserID = -1

// Extra is the opaque payload a host attaches to a browser instance.
type Extra map[string]any

// Clone returns a deep copy so responses never alias registry state.
func (e Extra) Clone() Extra {
	if e == nil {
		return nil
	}
	out := make(Extra, len(e))
	for k, v := range e {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Extra(t).Clone())
	case Extra:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// OwnerInfo answers "which browser owns this frame".
type OwnerInfo struct {
	BrowserID    int   `json:"browser_id"`
	IsWindowless bool  `json:"is_windowless"`
	IsPopup      bool  `json:"is_popup"`
	IsGuest      bool  `json:"is_guest"`
	Extra        Extra `json:"extra,omitempty"`
}

// NotFound returns the sentinel answer.
func NotFound() OwnerInfo {
	return OwnerInfo{BrowserID: NotFoundBrowserID}
}

// Found reports whether the answer names a browser. Browser ids start at 1.
func (o OwnerInfo) Found() bool {
	return o.BrowserID > 0
}
