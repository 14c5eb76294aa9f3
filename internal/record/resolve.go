package record

// Resolve implements last-write-wins between two records sharing a key.
// Higher CreatedAt wins; on a tie the lexicographically larger ID wins
// so the resolution is pure and total regardless of arrival order.
func Resolve(a, b Record) Record {
	if a.CreatedAt > b.CreatedAt {
		return a
	}
	if b.CreatedAt > a.CreatedAt {
		return b
	}
	if a.ID >= b.ID {
		return a
	}
	return b
}

// Supersedes reports whether candidate strictly replaces current under
// the Resolve ordering. A byte-identical duplicate never supersedes.
func Supersedes(candidate, current Record) bool {
	if candidate.CreatedAt != current.CreatedAt {
		return candidate.CreatedAt > current.CreatedAt
	}
	return candidate.ID > current.ID
}
