package rag

// SectionFor labels flat index i of n chunks. With third = n/3, indices below
// third are beginning, below 2*third middle, the rest end. For n < 3 every
// chunk is end.
func SectionFor(i, n int) Section {
	third := n / 3
	switch {
	case i < third:
		return SectionBeginning
	case i < 2*third:
		return SectionMiddle
	default:
		return SectionEnd
	}
}

// TagSections sets Metadata.Section on every chunk from its position in the
// whole sequence, across documents.
func TagSections(chunks []Chunk) {
	n := len(chunks)
	for i := range chunks {
		chunks[i].Metadata.Section = SectionFor(i, n)
	}
}
