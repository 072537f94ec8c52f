package archfmt

// Stat summarizes an open archive's page layout, surfaced by the CLI's
// info command.
type Stat struct {
	PageSize    int
	StripeCount uint32
	ChannelSize [NumChannels]uint32
	EntryCount  int
	// CompressedBytes is the sum of every meta record's wrapped size, i.e.
	// the payload bytes actually occupying the data file.
	CompressedBytes int64
}

// Stat gathers the archive's layout and entry counts into a Stat value.
func (a *Archive) Stat() Stat {
	s := Stat{
		PageSize:    a.layout.PageSize,
		StripeCount: a.layout.StripeCount,
		EntryCount:  a.meta.Count(),
	}
	for c := 0; c < NumChannels; c++ {
		s.ChannelSize[c] = a.layout.Channels[c].SizeBytes
	}
	for i := 0; i < a.meta.Count(); i++ {
		s.CompressedBytes += int64(a.meta.Record(uint32(i)).Size)
	}
	return s
}
