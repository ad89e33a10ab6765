package field

// Matrix operations over byte-sized finite fields

// Rank returns the rank of the given vectors using forward elimination. The
// input is not modified.
func Rank(f Field, vectors [][]byte) int {
	n := len(vectors)
	if n == 0 {
		return 0
	}
	m := len(vectors[0])

	A := make([][]byte, n)
	for i := range vectors {
		A[i] = append([]byte(nil), vectors[i]...)
	}

	rank := 0
	for col := 0; col < m && rank < n; col++ {
		pivot := -1
		for i := rank; i < n; i++ {
			if A[i][col] != 0 {
				pivot = i
				break
			}
		}
		if pivot == -1 {
			continue
		}
		A[rank], A[pivot] = A[pivot], A[rank]

		inv, _ := f.Inv(A[rank][col])
		for i := rank + 1; i < n; i++ {
			if A[i][col] == 0 {
				continue
			}
			// A[i] = A[i] - (A[i][col] / A[rank][col]) * A[rank]
			MulAdd(f, A[i], A[rank], f.Mul(A[i][col], inv))
		}
		rank++
	}
	return rank
}

// IsLinearlyIndependent checks if the list of vectors is linearly independent.
func IsLinearlyIndependent(f Field, vectors [][]byte) bool {
	if len(vectors) == 0 {
		return true
	}
	if len(vectors) > len(vectors[0]) {
		return false
	}
	return Rank(f, vectors) == len(vectors)
}
