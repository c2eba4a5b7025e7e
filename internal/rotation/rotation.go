// Package rotation computes the story assignment for a lobby: which story
// each user writes into during each round.
//
// The assignment is a balanced Latin square, so every row (a user's path
// through the stories) and every column (a round's author-to-story mapping)
// is a permutation of the story indices, and row-adjacency between story
// indices is spread evenly across the matrix. A naive cyclic shift would make
// every user inherit from the same neighbor all game long; the balanced
// construction avoids that structural bias.
//
// Everything here is pure and seeded by the lobby code, so the same
// (code, user, round) triple re-derives the same story index after a process
// restart without any stored scheduler state.
package rotation

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// Matrix returns the n×n balanced Latin square for n stories.
// Row u, column r-1 holds the story index user u writes in round r
// (before seeding; see Assignment for the per-lobby shuffled view).
func Matrix(n int) [][]int {
	rows := make([][]int, n)
	for i := 0; i < n; i++ {
		participant := i
		if n%2 != 0 {
			participant = i * 2
		}
		rows[i] = row(n, participant)
	}
	return rows
}

// row builds one balanced-Latin-square row: the first two cells and every
// odd-position cell count up from 0, even-position cells count down from n-1,
// then the whole row is shifted by the participant id. Odd-length rows with
// an odd participant id run in reverse.
func row(n, participant int) []int {
	result := make([]int, n)
	up, down := 0, 0
	for i := 0; i < n; i++ {
		var v int
		if i < 2 || i%2 != 0 {
			v = up
			up++
		} else {
			v = n - down - 1
			down++
		}
		result[i] = (v + participant) % n
	}
	if n%2 != 0 && participant%2 != 0 {
		for l, r := 0, n-1; l < r; l, r = l+1, r-1 {
			result[l], result[r] = result[r], result[l]
		}
	}
	return result
}

// Assignment is the per-lobby view of the rotation matrix: rows shuffled by
// the lobby code, and join-order user positions mapped onto rows by a second
// seeded shuffle.
type Assignment struct {
	n       int
	rows    [][]int
	userRow []int
}

// New builds the assignment for a lobby of n players. n must equal the live
// player count at game start; it is never recomputed mid-game.
func New(lobbyCode string, n int) *Assignment {
	rng := rand.New(rand.NewSource(seed(lobbyCode)))

	rows := Matrix(n)
	rng.Shuffle(n, func(i, j int) {
		rows[i], rows[j] = rows[j], rows[i]
	})

	userRow := make([]int, n)
	for i := range userRow {
		userRow[i] = i
	}
	rng.Shuffle(n, func(i, j int) {
		userRow[i], userRow[j] = userRow[j], userRow[i]
	})

	return &Assignment{n: n, rows: rows, userRow: userRow}
}

// StoryIndexFor returns the story index that the user at join-order position
// userIndex writes into during round (1-based, round <= n).
func (a *Assignment) StoryIndexFor(userIndex, round int) (int, error) {
	if userIndex < 0 || userIndex >= a.n {
		return 0, fmt.Errorf("user index %d out of range for %d players", userIndex, a.n)
	}
	if round < 1 || round > a.n {
		return 0, fmt.Errorf("round %d out of range for %d players", round, a.n)
	}
	return a.rows[a.userRow[userIndex]][round-1], nil
}

// Size returns the number of stories (= players) in the rotation.
func (a *Assignment) Size() int {
	return a.n
}

func seed(lobbyCode string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(lobbyCode))
	return int64(h.Sum64())
}
