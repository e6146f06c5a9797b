//go:build !portaudio

// Package device connects the voice bridge to the local sound card through
// PortAudio. It is only available when built with the portaudio tag.
package device
