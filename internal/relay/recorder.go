package relay

// Recorder receives multiplexer events for metrics.
type Recorder interface {
	StreamStarted(mode string)
	StreamStopped(reason string)
	AdmissionDenied(group int)
	AcquisitionFailed(kind string)
	UpstreamBytes(n int)
	EmptyRead()
}

type nopRecorder struct{}

func (nopRecorder) StreamStarted(string)     {}
func (nopRecorder) StreamStopped(string)     {}
func (nopRecorder) AdmissionDenied(int)      {}
func (nopRecorder) AcquisitionFailed(string) {}
func (nopRecorder) UpstreamBytes(int)        {}
func (nopRecorder) EmptyRead()               {}
