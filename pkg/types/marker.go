package types

import "fmt"

// MarkerState is the upload state of a day archive, encoded on disk by a
// zero-byte sibling file.
type MarkerState int

const (
	// MarkerAbsent means the archive has not been built, or has been swept.
	MarkerAbsent MarkerState = iota
	MarkerReady
	MarkerUploading
	MarkerUploaded
)

// MarkerStates lists the on-disk states from least to most advanced.
var MarkerStates = []MarkerState{MarkerReady, MarkerUploading, MarkerUploaded}

// Suffix returns the marker file suffix appended to the archive name.
func (s MarkerState) Suffix() string {
	switch s {
	case MarkerReady:
		return ".ready"
	case MarkerUploading:
		return ".uploading"
	case MarkerUploaded:
		return ".uploaded"
	default:
		return ""
	}
}

func (s MarkerState) String() string {
	switch s {
	case MarkerAbsent:
		return "absent"
	case MarkerReady:
		return "ready"
	case MarkerUploading:
		return "uploading"
	case MarkerUploaded:
		return "uploaded"
	default:
		return fmt.Sprintf("MarkerState(%d)", int(s))
	}
}

// MarkerName returns the marker file name of archive in state s.
func MarkerName(archive string, s MarkerState) string {
	return archive + s.Suffix()
}

var legalTransitions = map[MarkerState][]MarkerState{
	MarkerAbsent:    {MarkerReady},
	MarkerReady:     {MarkerUploading},
	MarkerUploading: {MarkerUploaded, MarkerReady},
	MarkerUploaded:  {MarkerAbsent},
}

// CanTransition reports whether from -> to is a legal marker transition.
// uploading -> ready is only used for stuck-state recovery.
func CanTransition(from, to MarkerState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
