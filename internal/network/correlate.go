package network

// Attribute sums the traffic of every process's established local
// endpoints. A process with no matching endpoint gets zero traffic.
// Sentinel entries are ignored.
func Attribute(table ConnectionTable, sockets ProcessSocketMap) map[int]Traffic {
	byLocal := make(map[string][]Traffic, len(table))
	for key, t := range table {
		if !t.Valid() {
			continue
		}
		local, _ := SplitKey(key)
		byLocal[local] = append(byLocal[local], t)
	}

	result := make(map[int]Traffic, len(sockets))
	for pid, endpoints := range sockets {
		var sum Traffic
		for ep := range endpoints {
			for _, t := range byLocal[ep] {
				sum.In += t.In
				sum.Out += t.Out
			}
		}
		result[pid] = sum
	}
	return result
}
