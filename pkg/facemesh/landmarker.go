package facemesh

// Landmarker is the contract for landmark extraction backends.
type Landmarker interface {
	// Landmarks finds the dominant face in the JPEG image and returns its
	// mesh. The bool is false when no face is present; that is not an error.
	Landmarks(jpeg []byte) (Landmarks, bool, error)

	// Close releases backend resources.
	Close() error
}
