package perfusion

// Progress is the reporting and cancellation interface consumed from the
// surrounding application (typically a wait dialog). Implementations must be
// safe for concurrent use: the voxel loop polls Stopped from several
// goroutines. All methods must return quickly and never block on I/O.
//
// A nil Progress is valid and turns the engine fully headless.
type Progress interface {
	// SetInformationText describes the pipeline stage currently running.
	SetInformationText(text string)

	// SetProgressRange announces the bounds of the progress values that
	// will follow (one unit per z-slice).
	SetProgressRange(min, max int)

	// SetCurrentProgressValue reports a completed slice count.
	SetCurrentProgressValue(value int)

	// Stopped reports whether the user requested cancellation. The engine
	// checks it cooperatively before each voxel and returns partial maps
	// when it turns true.
	Stopped() bool
}

// noopProgress is the headless default.
type noopProgress struct{}

func (noopProgress) SetInformationText(string)   {}
func (noopProgress) SetProgressRange(int, int)   {}
func (noopProgress) SetCurrentProgressValue(int) {}
func (noopProgress) Stopped() bool               { return false }
