package media

// Caption is one decoded caption cue. StartTime and EndTime are filled in
// once the cue is placed on the player timeline.
type Caption struct {
	StartPTS  int64
	EndPTS    int64
	Text      string
	Stream    string
	StartTime float64
	EndTime   float64
}

// ID3Frame is one frame of an ID3v2 tag. Text and URL frames carry their
// decoded fields; PRIV frames their owner, and Data the private bytes.
type ID3Frame struct {
	ID          string
	Data        []byte
	Description string
	Value       string
	URL         string
	Owner       string

	// TimeStamp is set on the transport stream timestamp PRIV frame that
	// anchors raw AAC streams.
	TimeStamp    int64
	HasTimeStamp bool
}

// ID3Tag is one complete timed-metadata tag.
type ID3Tag struct {
	PTS    int64
	DTS    int64
	Data   []byte
	Frames []*ID3Frame

	// DispatchType identifies the in-band metadata track, per the HTML
	// media resource specific text track rules.
	DispatchType string

	// CueTime is set once the tag is placed on the player timeline.
	CueTime float64
}
