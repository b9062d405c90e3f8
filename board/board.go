// Package board implements the move-legality oracle: a deterministic
// function of the authoritative board state and a proposed move, yielding
// one of four verdicts. It has no concurrency concerns; exactly one session
// engine owns a Board at a time.
package board

import (
	"github.com/smercas/chess-server/wire"
)

// Color identifies a side. White moves first.
type Color uint8

const (
	ColorWhite Color = iota
	ColorBlack
)

// Other returns the opposing color.
func (c Color) Other() Color { return c ^ 1 }

// String returns "white" or "black".
func (c Color) String() string {
	if c == ColorWhite {
		return "white"
	}
	return "black"
}

// Verdict is the oracle's answer for one proposed move.
type Verdict uint8

const (
	// VerdictContinue means the move is legal and the game goes on; the
	// turn has flipped.
	VerdictContinue Verdict = iota
	// VerdictIllegal means the move is rejected; the board is unchanged
	// and the same player stays on turn.
	VerdictIllegal
	// VerdictWon means the move is legal and checkmates the opponent.
	VerdictWon
	// VerdictDraw means the move is legal and the game is drawn
	// (stalemate or dead position).
	VerdictDraw
)

type kind uint8

const (
	none kind = iota
	pawn
	knight
	bishop
	rook
	queen
	king
)

// piece packs kind and color into one byte; zero is an empty square.
type piece uint8

func mk(k kind, c Color) piece { return piece(k) | piece(c)<<3 }

func (p piece) kind() kind   { return kind(p & 7) }
func (p piece) color() Color { return Color(p >> 3) }
func (p piece) empty() bool  { return p == 0 }

// Board holds piece placement, whose turn it is, castling rights and the
// en-passant target. Square indices are row*8+col with row 0 being white's
// back rank.
type Board struct {
	sq   [64]piece
	turn Color
	// castle[color][0] is the queenside (a-file rook) right,
	// castle[color][1] the kingside (h-file rook) right.
	castle [2][2]bool
	// ep is the file of the pawn that just advanced two squares, -1 if
	// no en-passant capture is available.
	ep int8
}

// New returns a board in the standard starting position, white to move.
func New() *Board {
	b := &Board{
		turn:   ColorWhite,
		castle: [2][2]bool{{true, true}, {true, true}},
		ep:     -1,
	}
	back := [8]kind{rook, knight, bishop, queen, king, bishop, knight, rook}
	for c := 0; c < 8; c++ {
		b.sq[c] = mk(back[c], ColorWhite)
		b.sq[8+c] = mk(pawn, ColorWhite)
		b.sq[48+c] = mk(pawn, ColorBlack)
		b.sq[56+c] = mk(back[c], ColorBlack)
	}
	return b
}

// Turn returns the color to move.
func (b *Board) Turn() Color { return b.turn }

// Apply evaluates the turn-holder's proposed moveset. On a legal move the
// board is mutated and the turn flips before the opponent's status is
// examined; on VerdictIllegal nothing changes and the same player stays on
// turn.
func (b *Board) Apply(m wire.Moveset) Verdict {
	from, to, promo := m.From(), m.To(), m.Promotion()
	if from > 63 || to > 63 || promo > wire.PromoteQueen {
		return VerdictIllegal
	}
	mv, ok := b.pseudo(from, to, promo)
	if !ok {
		return VerdictIllegal
	}
	next := *b
	next.exec(mv)
	if next.inCheck(b.turn) {
		return VerdictIllegal
	}
	next.turn = b.turn.Other()
	*b = next

	if !b.hasLegalMove(b.turn) {
		if b.inCheck(b.turn) {
			return VerdictWon
		}
		return VerdictDraw
	}
	if b.dead() {
		return VerdictDraw
	}
	return VerdictContinue
}

// move is a validated pseudo-legal move with its side effects resolved.
type move struct {
	from, to uint8
	promo    wire.Promotion
	// epCapture is the square of a pawn taken en passant, -1 otherwise.
	epCapture int8
	// rookFrom/rookTo describe the rook leg of a castle, -1 otherwise.
	rookFrom, rookTo int8
	twoStep          bool
}

// pseudo validates move shape, path and capture rules for the turn-holder,
// everything except leaving one's own king in check (the caller simulates
// that). Castling additionally verifies the no-check and through-check
// conditions here, since they are not covered by the simulation of the
// final position alone.
func (b *Board) pseudo(from, to uint8, promo wire.Promotion) (move, bool) {
	p := b.sq[from]
	if p.empty() || p.color() != b.turn || from == to {
		return move{}, false
	}
	if !b.sq[to].empty() && b.sq[to].color() == b.turn {
		return move{}, false
	}
	mv := move{from: from, to: to, promo: promo, epCapture: -1, rookFrom: -1, rookTo: -1}

	fr, fc := int(from)/8, int(from)%8
	tr, tc := int(to)/8, int(to)%8
	dr, dc := tr-fr, tc-fc

	if p.kind() != pawn || !lastRank(b.turn, tr) {
		if promo != wire.PromoteNone {
			return move{}, false
		}
	} else if promo == wire.PromoteNone {
		// A pawn reaching the last rank must name its promotion.
		return move{}, false
	}

	switch p.kind() {
	case pawn:
		dir := 1
		startRow, epRow := 1, 4
		if b.turn == ColorBlack {
			dir, startRow, epRow = -1, 6, 3
		}
		switch {
		case dc == 0 && dr == dir && b.sq[to].empty():
		case dc == 0 && dr == 2*dir && fr == startRow &&
			b.sq[idx(fr+dir, fc)].empty() && b.sq[to].empty():
			mv.twoStep = true
		case (dc == 1 || dc == -1) && dr == dir && !b.sq[to].empty():
		case (dc == 1 || dc == -1) && dr == dir && b.sq[to].empty() &&
			fr == epRow && int8(tc) == b.ep:
			mv.epCapture = int8(idx(fr, tc))
		default:
			return move{}, false
		}
	case knight:
		if dr*dr+dc*dc != 5 {
			return move{}, false
		}
	case bishop:
		if dr*dr != dc*dc || !b.clearPath(fr, fc, tr, tc) {
			return move{}, false
		}
	case rook:
		if dr != 0 && dc != 0 || !b.clearPath(fr, fc, tr, tc) {
			return move{}, false
		}
	case queen:
		if (dr != 0 && dc != 0 && dr*dr != dc*dc) || !b.clearPath(fr, fc, tr, tc) {
			return move{}, false
		}
	case king:
		if dr*dr <= 1 && dc*dc <= 1 {
			break
		}
		if dr != 0 || (dc != 2 && dc != -2) {
			return move{}, false
		}
		side := 1 // kingside
		rookCol := 7
		if dc == -2 {
			side, rookCol = 0, 0
		}
		homeRow := 0
		if b.turn == ColorBlack {
			homeRow = 7
		}
		if fr != homeRow || fc != 4 || !b.castle[b.turn][side] {
			return move{}, false
		}
		if b.sq[idx(homeRow, rookCol)] != mk(rook, b.turn) {
			return move{}, false
		}
		step := 1
		if side == 0 {
			step = -1
		}
		for c := fc + step; c != rookCol; c += step {
			if !b.sq[idx(homeRow, c)].empty() {
				return move{}, false
			}
		}
		enemy := b.turn.Other()
		if b.attacked(from, enemy) || b.attacked(idx(homeRow, fc+step), enemy) {
			return move{}, false
		}
		mv.rookFrom = int8(idx(homeRow, rookCol))
		mv.rookTo = int8(idx(homeRow, fc+step))
	default:
		return move{}, false
	}
	return mv, true
}

// exec mutates the board with a validated move. It does not flip the turn.
func (b *Board) exec(mv move) {
	p := b.sq[mv.from]
	c := p.color()
	b.sq[mv.from] = 0
	if mv.epCapture >= 0 {
		b.sq[mv.epCapture] = 0
	}
	if mv.promo != wire.PromoteNone {
		p = mk([...]kind{none, knight, bishop, rook, queen}[mv.promo], c)
	}
	b.sq[mv.to] = p

	if mv.rookFrom >= 0 {
		b.sq[mv.rookTo] = b.sq[mv.rookFrom]
		b.sq[mv.rookFrom] = 0
	}

	if p.kind() == king {
		b.castle[c][0] = false
		b.castle[c][1] = false
	}
	for _, corner := range [...]struct {
		sq    uint8
		color Color
		side  int
	}{{0, ColorWhite, 0}, {7, ColorWhite, 1}, {56, ColorBlack, 0}, {63, ColorBlack, 1}} {
		if mv.from == corner.sq || mv.to == corner.sq {
			b.castle[corner.color][corner.side] = false
		}
	}

	if mv.twoStep {
		b.ep = int8(mv.from % 8)
	} else {
		b.ep = -1
	}
}

// clearPath reports whether every square strictly between the two given
// squares (which must share a rank, file or diagonal) is empty.
func (b *Board) clearPath(fr, fc, tr, tc int) bool {
	dr, dc := sign(tr-fr), sign(tc-fc)
	for r, c := fr+dr, fc+dc; r != tr || c != tc; r, c = r+dr, c+dc {
		if !b.sq[idx(r, c)].empty() {
			return false
		}
	}
	return true
}

// attacked reports whether the given square is attacked by any piece of
// the given color. En passant and castling cannot attack a square and are
// not considered.
func (b *Board) attacked(sq uint8, by Color) bool {
	r, c := int(sq)/8, int(sq)%8

	dir := -1 // row delta from attacking pawn to target
	if by == ColorWhite {
		dir = 1
	}
	for _, dc := range [...]int{-1, 1} {
		if p, ok := b.at(r-dir, c+dc); ok && p == mk(pawn, by) {
			return true
		}
	}
	for _, d := range [...][2]int{{-2, -1}, {-2, 1}, {-1, -2}, {-1, 2}, {1, -2}, {1, 2}, {2, -1}, {2, 1}} {
		if p, ok := b.at(r+d[0], c+d[1]); ok && p == mk(knight, by) {
			return true
		}
	}
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			if p, ok := b.at(r+dr, c+dc); ok && p == mk(king, by) {
				return true
			}
			for rr, cc := r+dr, c+dc; ; rr, cc = rr+dr, cc+dc {
				p, ok := b.at(rr, cc)
				if !ok {
					break
				}
				if p.empty() {
					continue
				}
				if p.color() == by {
					k := p.kind()
					diagonal := dr != 0 && dc != 0
					if k == queen || (diagonal && k == bishop) || (!diagonal && k == rook) {
						return true
					}
				}
				break
			}
		}
	}
	return false
}

// inCheck reports whether the given color's king is attacked.
func (b *Board) inCheck(c Color) bool {
	for i := uint8(0); i < 64; i++ {
		if b.sq[i] == mk(king, c) {
			return b.attacked(i, c.Other())
		}
	}
	return false
}

// hasLegalMove reports whether the given color (who must be on turn) has
// at least one legal move.
func (b *Board) hasLegalMove(c Color) bool {
	for from := uint8(0); from < 64; from++ {
		if b.sq[from].empty() || b.sq[from].color() != c {
			continue
		}
		for to := uint8(0); to < 64; to++ {
			promo := wire.PromoteNone
			if b.sq[from].kind() == pawn && lastRank(c, int(to)/8) {
				promo = wire.PromoteQueen
			}
			mv, ok := b.pseudo(from, to, promo)
			if !ok {
				continue
			}
			next := *b
			next.exec(mv)
			if !next.inCheck(c) {
				return true
			}
		}
	}
	return false
}

// dead reports a position with insufficient mating material: bare kings,
// or kings with a single minor piece.
func (b *Board) dead() bool {
	minors := 0
	for i := uint8(0); i < 64; i++ {
		switch b.sq[i].kind() {
		case none, king:
		case knight, bishop:
			minors++
		default:
			return false
		}
	}
	return minors <= 1
}

func (b *Board) at(r, c int) (piece, bool) {
	if r < 0 || r > 7 || c < 0 || c > 7 {
		return 0, false
	}
	return b.sq[idx(r, c)], true
}

func lastRank(c Color, row int) bool {
	if c == ColorWhite {
		return row == 7
	}
	return row == 0
}

func idx(r, c int) uint8 { return uint8(r*8 + c) }

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
