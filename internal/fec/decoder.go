// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fec

import (
	"errors"
	"fmt"
)

// Erros de decodificação.
var (
	ErrNotEnoughShards  = errors.New("fec: not enough shards to decode")
	ErrShardLenMismatch = errors.New("fec: shard length mismatch")
)

// EncodeParity calcula as m linhas de paridade para os k shards de dados.
// Todos os shards devem ter o mesmo comprimento. Usado pelo lado de teste
// e por ferramentas; o gateway em produção apenas decodifica.
func EncodeParity(data [][]byte, m int) ([][]byte, error) {
	k := len(data)
	gen, err := generatorFor(k, m)
	if err != nil {
		return nil, err
	}
	shardLen := len(data[0])
	for _, d := range data {
		if len(d) != shardLen {
			return nil, ErrShardLenMismatch
		}
	}

	parity := make([][]byte, m)
	for r := 0; r < m; r++ {
		parity[r] = make([]byte, shardLen)
		for c := 0; c < k; c++ {
			gfMulAdd(parity[r], data[c], gen[r][c])
		}
	}
	return parity, nil
}

// Recover reconstrói in place os shards de dados ausentes (entradas nil) a
// partir dos presentes e das linhas de paridade disponíveis. data tem k
// entradas e parity tem m (nil = não recebido). Precisa de pelo menos k
// shards presentes no total.
func Recover(data, parity [][]byte, shardLen int) error {
	k := len(data)
	m := len(parity)

	gen, err := generatorFor(k, m)
	if err != nil {
		return err
	}

	var missing []int
	present := 0
	for i, d := range data {
		if d == nil {
			missing = append(missing, i)
		} else {
			if len(d) != shardLen {
				return ErrShardLenMismatch
			}
			present++
		}
	}
	if len(missing) == 0 {
		return nil
	}
	availParity := 0
	for _, p := range parity {
		if p != nil {
			if len(p) != shardLen {
				return ErrShardLenMismatch
			}
			availParity++
		}
	}
	if present+availParity < k {
		return fmt.Errorf("%w: have %d of %d", ErrNotEnoughShards, present+availParity, k)
	}

	// Monta a submatriz k x k com as linhas disponíveis: identidade para
	// dados presentes, linhas da geradora para as paridades usadas.
	sub := newMatrix(k, k)
	shards := make([][]byte, k)
	row := 0
	for i, d := range data {
		if d != nil {
			sub[row][i] = 1
			shards[row] = d
			row++
		}
	}
	for j, p := range parity {
		if row == k {
			break
		}
		if p != nil {
			copy(sub[row], gen[j])
			shards[row] = p
			row++
		}
	}

	inv, err := sub.invert()
	if err != nil {
		return err
	}

	// data_i = inv[i] · shards, apenas para os ausentes.
	for _, i := range missing {
		out := make([]byte, shardLen)
		for c := 0; c < k; c++ {
			gfMulAdd(out, shards[c], inv[i][c])
		}
		data[i] = out
	}
	return nil
}
