package transformer

// CausalMask returns a (length x length) matrix where mask[i][j] is true
// (disallowed) exactly when j > i.
func CausalMask(length int) [][]bool {
	mask := make([][]bool, length)
	for i := range mask {
		mask[i] = make([]bool, length)
		for j := i + 1; j < length; j++ {
			mask[i][j] = true
		}
	}
	return mask
}

// PaddingMask marks every position of batch (src[b][t]) holding padID.
func PaddingMask(batch [][]int, padID int) [][]bool {
	mask := make([][]bool, len(batch))
	for b, row := range batch {
		mask[b] = make([]bool, len(row))
		for t, id := range row {
			mask[b][t] = id == padID
		}
	}
	return mask
}
