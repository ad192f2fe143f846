package attention

// Split partitions a bias by variant kind. Every flattened leaf joins the
// slot of the first requested kind it matches; all remaining leaves
// accumulate, in order, into the rest composite. For each requested kind the
// result slot is:
//
//   - the leaf itself when exactly one matched (no rewrapping, so a kernel
//     receives the caller's original value),
//   - a Composite of the matches in original order when several matched,
//   - Zero when none matched (typed sentinel, never nil).
//
// The decomposition is lossless: summing all returned slots with rest yields
// a bias whose Value equals the original's.
func Split(b Bias, kinds ...Kind) ([]Bias, *Composite) {
	leaves := AsComposite(b).Leaves()

	buckets := make([][]Bias, len(kinds))
	var rest []Bias

leafLoop:
	for _, leaf := range leaves {
		for i, k := range kinds {
			if leaf.matches(k) {
				buckets[i] = append(buckets[i], leaf)
				continue leafLoop
			}
		}
		rest = append(rest, leaf)
	}

	matched := make([]Bias, len(kinds))
	for i, bucket := range buckets {
		switch len(bucket) {
		case 0:
			matched[i] = Zero{}
		case 1:
			matched[i] = bucket[0]
		default:
			matched[i] = &Composite{biases: bucket}
		}
	}
	return matched, &Composite{biases: rest}
}
