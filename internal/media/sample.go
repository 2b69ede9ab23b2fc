package media

// SampleFlags mirrors the sample_flags field of ISO/IEC 14496-12 section
// 8.8.3.1.
type SampleFlags struct {
	IsLeading           uint8
	DependsOn           uint8
	IsDependedOn        uint8
	HasRedundancy       uint8
	PaddingValue        uint8
	IsNonSyncSample     uint8
	DegradationPriority uint16
}

// Sample is one entry of a fragment's sample table.
type Sample struct {
	Size                  uint32
	Duration              uint32
	CompositionTimeOffset int32
	DataOffset            int
	Flags                 SampleFlags
}

// DefaultSample returns a non-sync sample that depends on other samples.
func DefaultSample() Sample {
	return Sample{
		Flags: SampleFlags{
			DependsOn:       1,
			IsNonSyncSample: 1,
		},
	}
}
