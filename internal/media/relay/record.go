package relay

// AttachRecorder wires a Sink to receive decoded PCM frames for legID. The
// relay only forwards encoded RTP payloads on its hot path; when a recorder
// is attached, forward() additionally decodes each packet for that leg's
// codec and pushes it to the sink.
func (s *Session) AttachRecorder(legID string, sink Sink) {
	l := s.legByID(legID)
	if l == nil {
		return
	}
	l.mu.Lock()
	l.recorder = sink
	l.mu.Unlock()
}

// DetachRecorder removes any sink previously attached to legID.
func (s *Session) DetachRecorder(legID string) {
	s.AttachRecorder(legID, nil)
}
