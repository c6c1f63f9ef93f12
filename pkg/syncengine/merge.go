package syncengine

// Pure merge rules. no side effects, so the convergence laws (commutativity,
// associativity, idempotence) are directly testable.

func mergeLWWString(a LWWString, b LWWString) LWWString {
	if lwwWins(b.Clock, b.Actor, a.Clock, a.Actor) {
		return b
	}

	return a
}

func mergeLWWInt64(a LWWInt64, b LWWInt64) LWWInt64 {
	if lwwWins(b.Clock, b.Actor, a.Clock, a.Actor) {
		return b
	}

	return a
}

func lwwWins(clockB uint64, actorB string, clockA uint64, actorA string) bool {
	if clockB != clockA {
		return clockB > clockA
	}

	return actorB > actorA
}

func mergeCounter(a Counter, b Counter) Counter {
	merged := Counter{}

	for actor, n := range a {
		merged[actor] = n
	}

	for actor, n := range b {
		if n > merged[actor] {
			merged[actor] = n
		}
	}

	return merged
}

func mergeBlobEntry(a BlobEntry, b BlobEntry) BlobEntry {
	return BlobEntry{
		Size:        mergeLWWInt64(a.Size, b.Size),
		ContentType: mergeLWWString(a.ContentType, b.ContentType),
		Touched:     maxUint64(a.Touched, b.Touched),
	}
}

func mergeCommitmentEntry(a CommitmentEntry, b CommitmentEntry) CommitmentEntry {
	return CommitmentEntry{
		Peer:        a.Peer,
		Ref:         a.Ref,
		State:       mergeLWWString(a.State, b.State),
		Successes:   mergeCounter(a.Successes, b.Successes),
		Failures:    mergeCounter(a.Failures, b.Failures),
		LastSuccess: mergeLWWInt64(a.LastSuccess, b.LastSuccess),
		Touched:     maxUint64(a.Touched, b.Touched),
	}
}

// Merge folds "other" into a copy of "d" - the inputs are not mutated. the
// result's actor and identity stay d's; entry sets union, shared entries merge
// field by field.
func Merge(d *Document, other *Document) *Document {
	merged := d.Clone()
	merged.Clock = maxUint64(d.Clock, other.Clock)

	for key, theirs := range other.Blobs {
		if ours, exists := merged.Blobs[key]; exists {
			merged.Blobs[key] = mergeBlobEntry(ours, theirs)
		} else {
			merged.Blobs[key] = theirs
		}
	}

	for key, theirs := range other.Commitments {
		if ours, exists := merged.Commitments[key]; exists {
			merged.Commitments[key] = mergeCommitmentEntry(ours, theirs)
		} else {
			merged.Commitments[key] = cloneCommitment(theirs)
		}
	}

	return merged
}

func maxUint64(a uint64, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}
