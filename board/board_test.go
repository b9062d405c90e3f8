package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smercas/chess-server/wire"
)

func mustContinue(t *testing.T, b *Board, from, to byte) {
	t.Helper()
	require.Equal(t, VerdictContinue, b.Apply(wire.NewMoveset(from, to, wire.PromoteNone)))
}

func TestApplyOpeningMoves(t *testing.T) {
	b := New()
	assert.Equal(t, ColorWhite, b.Turn())

	mustContinue(t, b, 12, 28) // e2e4
	assert.Equal(t, ColorBlack, b.Turn())

	mustContinue(t, b, 52, 36) // e7e5
	assert.Equal(t, ColorWhite, b.Turn())
}

func TestApplyRejectsIllegalMoves(t *testing.T) {
	cases := []struct {
		name     string
		from, to byte
		promo    wire.Promotion
	}{
		{name: "out of range target", from: 12, to: 64},
		{name: "empty origin", from: 28, to: 36},
		{name: "opponent piece", from: 52, to: 36},
		{name: "pawn sideways", from: 12, to: 13},
		{name: "pawn diagonal without capture", from: 12, to: 21},
		{name: "knight through shape violation", from: 6, to: 22},
		{name: "rook through own pawn", from: 0, to: 16},
		{name: "promotion on non-promoting move", from: 12, to: 28, promo: wire.PromoteQueen},
		{name: "same square", from: 12, to: 12},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := New()
			before := *b
			assert.Equal(t, VerdictIllegal, b.Apply(wire.NewMoveset(tc.from, tc.to, tc.promo)))
			assert.Equal(t, before, *b, "board must be unchanged after a rejected move")
			assert.Equal(t, ColorWhite, b.Turn(), "turn must not flip after a rejected move")
		})
	}
}

func TestApplyDetectsCheckmate(t *testing.T) {
	b := New()
	mustContinue(t, b, 13, 21) // f2f3
	mustContinue(t, b, 52, 36) // e7e5
	mustContinue(t, b, 14, 30) // g2g4

	// Qd8h4 is mate.
	assert.Equal(t, VerdictWon, b.Apply(wire.NewMoveset(59, 31, wire.PromoteNone)))
}

func TestApplyRejectsExposingOwnKing(t *testing.T) {
	b := &Board{turn: ColorBlack, ep: -1}
	b.sq[0] = mk(king, ColorWhite)
	b.sq[12] = mk(rook, ColorWhite)   // e2
	b.sq[60] = mk(king, ColorBlack)   // e8
	b.sq[36] = mk(knight, ColorBlack) // e5, pinned on the e-file

	assert.Equal(t, VerdictIllegal, b.Apply(wire.NewMoveset(36, 30, wire.PromoteNone)))

	// The king itself may step off the pinned file.
	assert.Equal(t, VerdictContinue, b.Apply(wire.NewMoveset(60, 59, wire.PromoteNone)))
}

func TestCastlingKingside(t *testing.T) {
	b := New()
	mustContinue(t, b, 12, 28) // e2e4
	mustContinue(t, b, 52, 36) // e7e5
	mustContinue(t, b, 6, 21)  // Ng1f3
	mustContinue(t, b, 62, 45) // Ng8f6
	mustContinue(t, b, 5, 12)  // Bf1e2
	mustContinue(t, b, 61, 52) // Bf8e7

	mustContinue(t, b, 4, 6) // O-O
	assert.Equal(t, mk(king, ColorWhite), b.sq[6])
	assert.Equal(t, mk(rook, ColorWhite), b.sq[5])
	assert.True(t, b.sq[4].empty())
	assert.True(t, b.sq[7].empty())
}

func TestCastlingRightsLostAfterKingMove(t *testing.T) {
	b := New()
	mustContinue(t, b, 12, 28) // e2e4
	mustContinue(t, b, 52, 36) // e7e5
	mustContinue(t, b, 6, 21)  // Ng1f3
	mustContinue(t, b, 62, 45) // Ng8f6
	mustContinue(t, b, 5, 12)  // Bf1e2
	mustContinue(t, b, 61, 52) // Bf8e7
	mustContinue(t, b, 4, 5)   // Ke1f1
	mustContinue(t, b, 51, 43) // d7d6
	mustContinue(t, b, 5, 4)   // Kf1e1
	mustContinue(t, b, 58, 44) // Bc8e6

	assert.Equal(t, VerdictIllegal, b.Apply(wire.NewMoveset(4, 6, wire.PromoteNone)))
}

func TestEnPassantCapture(t *testing.T) {
	b := New()
	mustContinue(t, b, 12, 28) // e2e4
	mustContinue(t, b, 48, 40) // a7a6
	mustContinue(t, b, 28, 36) // e4e5
	mustContinue(t, b, 51, 35) // d7d5

	mustContinue(t, b, 36, 43) // exd6 e.p.
	assert.True(t, b.sq[35].empty(), "captured pawn must leave the board")
	assert.Equal(t, mk(pawn, ColorWhite), b.sq[43])
}

func TestEnPassantExpiresAfterOneMove(t *testing.T) {
	b := New()
	mustContinue(t, b, 12, 28) // e2e4
	mustContinue(t, b, 48, 40) // a7a6
	mustContinue(t, b, 28, 36) // e4e5
	mustContinue(t, b, 51, 35) // d7d5
	mustContinue(t, b, 8, 16)  // a2a3
	mustContinue(t, b, 40, 32) // a6a5

	assert.Equal(t, VerdictIllegal, b.Apply(wire.NewMoveset(36, 43, wire.PromoteNone)))
}

func TestPromotionRequiresPieceChoice(t *testing.T) {
	b := &Board{turn: ColorWhite, ep: -1}
	b.sq[4] = mk(king, ColorWhite)
	b.sq[48] = mk(pawn, ColorWhite) // a7
	b.sq[63] = mk(king, ColorBlack) // h8

	assert.Equal(t, VerdictIllegal, b.Apply(wire.NewMoveset(48, 56, wire.PromoteNone)))

	assert.Equal(t, VerdictContinue, b.Apply(wire.NewMoveset(48, 56, wire.PromoteQueen)))
	assert.Equal(t, mk(queen, ColorWhite), b.sq[56])
}

func TestStalemateIsDraw(t *testing.T) {
	b := &Board{turn: ColorWhite, ep: -1}
	b.sq[4] = mk(king, ColorWhite)
	b.sq[42] = mk(queen, ColorWhite) // c6
	b.sq[56] = mk(king, ColorBlack)  // a8

	// Qc6c7 leaves the a8 king unchecked with no legal move.
	assert.Equal(t, VerdictDraw, b.Apply(wire.NewMoveset(42, 50, wire.PromoteNone)))
}

func TestDeadPositionIsDraw(t *testing.T) {
	b := &Board{turn: ColorWhite, ep: -1}
	b.sq[4] = mk(king, ColorWhite)
	b.sq[0] = mk(queen, ColorWhite) // a1
	b.sq[60] = mk(king, ColorBlack)
	b.sq[8] = mk(rook, ColorBlack) // a2

	// Capturing the last black piece beyond the king leaves bare kings.
	assert.Equal(t, VerdictDraw, b.Apply(wire.NewMoveset(0, 8, wire.PromoteNone)))
}
