// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fec

import (
	"errors"
	"fmt"
)

// ErrSingularMatrix indica que as linhas disponíveis não bastam para decodificar.
var ErrSingularMatrix = errors.New("fec: singular decode matrix")

// matrix é uma matriz densa sobre GF(256), linhas x colunas.
type matrix [][]byte

func newMatrix(rows, cols int) matrix {
	m := make(matrix, rows)
	for i := range m {
		m[i] = make([]byte, cols)
	}
	return m
}

// identityMatrix retorna a identidade n x n.
func identityMatrix(n int) matrix {
	m := newMatrix(n, n)
	for i := 0; i < n; i++ {
		m[i][i] = 1
	}
	return m
}

// vandermonde constrói a matriz rows x cols com elemento [r][c] = r^c.
func vandermonde(rows, cols int) matrix {
	m := newMatrix(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m[r][c] = gfExpPow(byte(r), c)
		}
	}
	return m
}

// mul retorna o produto m x other.
func (m matrix) mul(other matrix) matrix {
	rows := len(m)
	cols := len(other[0])
	inner := len(other)
	out := newMatrix(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var acc byte
			for k := 0; k < inner; k++ {
				acc ^= gfMul(m[r][k], other[k][c])
			}
			out[r][c] = acc
		}
	}
	return out
}

// invert retorna a inversa via eliminação de Gauss-Jordan.
func (m matrix) invert() (matrix, error) {
	n := len(m)
	work := newMatrix(n, 2*n)
	for i := 0; i < n; i++ {
		copy(work[i], m[i])
		work[i][n+i] = 1
	}

	for col := 0; col < n; col++ {
		pivot := -1
		for r := col; r < n; r++ {
			if work[r][col] != 0 {
				pivot = r
				break
			}
		}
		if pivot < 0 {
			return nil, ErrSingularMatrix
		}
		work[col], work[pivot] = work[pivot], work[col]

		inv := gfInv(work[col][col])
		for c := 0; c < 2*n; c++ {
			work[col][c] = gfMul(work[col][c], inv)
		}
		for r := 0; r < n; r++ {
			if r == col || work[r][col] == 0 {
				continue
			}
			factor := work[r][col]
			for c := 0; c < 2*n; c++ {
				work[r][c] ^= gfMul(factor, work[col][c])
			}
		}
	}

	out := newMatrix(n, n)
	for i := 0; i < n; i++ {
		copy(out[i], work[i][n:])
	}
	return out, nil
}

// generatorFor retorna a matriz de paridade m x k para o par (k, m).
// O par k=100,m=5 usa a tabela literal do vendor; os demais derivam uma
// matriz sistemática por inversão de Vandermonde (as m linhas de paridade).
func generatorFor(k, m int) (matrix, error) {
	if k <= 0 || m <= 0 || k+m > 256 {
		return nil, fmt.Errorf("fec: unsupported group geometry k=%d m=%d", k, m)
	}
	if k == 100 && m == 5 {
		gen := newMatrix(5, 100)
		for r := 0; r < 5; r++ {
			copy(gen[r], k100m5Generator[r][:])
		}
		return gen, nil
	}

	vm := vandermonde(k+m, k)
	top := newMatrix(k, k)
	for i := 0; i < k; i++ {
		copy(top[i], vm[i])
	}
	topInv, err := top.invert()
	if err != nil {
		return nil, err
	}
	systematic := vm.mul(topInv)

	gen := newMatrix(m, k)
	for i := 0; i < m; i++ {
		copy(gen[i], systematic[k+i])
	}
	return gen, nil
}
