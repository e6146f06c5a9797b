//go:build !portaudio

// Command doctorai-voice runs a doctor.ai voice session on the local
// microphone and speakers. Build it with -tags portaudio.
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "doctorai-voice: built without PortAudio support; rebuild with -tags portaudio")
	os.Exit(1)
}
