// Package srt feeds transport streams into the ingest registry over SRT,
// either by accepting publishers (Server) or by dialing remote listeners
// (Caller).
package srt
