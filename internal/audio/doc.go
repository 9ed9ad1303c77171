// Package audio contains the capture and playback halves of the voice
// pipeline: fixed-window chunking with RMS voice activity gating, a ring
// jitter buffer and linear-interpolation resampling to and from the 48 kHz
// wire rate.
package audio
