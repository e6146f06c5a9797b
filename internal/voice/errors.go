package voice

import "errors"

var (
	// ErrPermissionDenied reports that microphone access was refused.
	// [Microphone] implementations wrap it.
	ErrPermissionDenied = errors.New("voice: permission denied")

	// ErrChannelOpenFailed reports that the streaming session could not be
	// opened or was never acknowledged by the remote side.
	ErrChannelOpenFailed = errors.New("voice: channel open failed")

	// ErrSessionActive is returned by [Controller.Start] while another
	// session is connecting or active.
	ErrSessionActive = errors.New("voice: a session is already active")

	// ErrClosedWhileConnecting is returned by [Controller.Start] when
	// [Controller.Close] ran before the session finished opening.
	ErrClosedWhileConnecting = errors.New("voice: session closed while connecting")
)
