// Package wire defines the binary protocol spoken between the chess server
// and its clients: a one-byte opcode optionally followed by a fixed-size
// payload. Message boundaries are implied by the opcode, so both ends must
// agree on the enumeration exactly.
package wire

import "fmt"

// Opcode is the one-byte tag that opens every wire message. The numeric
// values form the protocol and must never be reordered.
type Opcode byte

const (
	// Move carries a 3-byte moveset payload: source square, destination
	// square, promotion selector.
	Move Opcode = iota
	// AbortMatch cancels a queued search or forfeits an active match.
	AbortMatch
	// Quit leaves the server entirely; always acknowledged with Confirmation
	// before the connection is closed.
	Quit
	// Confirmation acknowledges a successful login, registration, move,
	// abort or quit.
	Confirmation
	// Rejection reports a failed login, registration, deletion or an
	// illegal move.
	Rejection
	// Won is sent to the client whose move ended the match in its favor.
	Won
	// Lost is sent to the losing client, always together with the moveset
	// that decided the match.
	Lost
	// Draw is sent to both clients; it carries the moveset when the draw
	// was caused by the opponent's move.
	Draw
	// Forfeit tells an in-match client that its opponent is gone.
	Forfeit
	// DeleteAccount asks the server to delete the logged-in account.
	DeleteAccount
	// Logout ends the session but keeps the connection.
	Logout
	// Play enters the matchmaking queue.
	Play
	// SignupData carries username/password framing for registration.
	SignupData
	// LoginData carries username/password framing for login.
	LoginData
	// White tells a paired client it plays white and moves first.
	White
	// Black tells a paired client it plays black.
	Black
)

// String returns the opcode's protocol name, or a hex form for bytes outside
// the enumeration.
func (o Opcode) String() string {
	switch o {
	case Move:
		return "move"
	case AbortMatch:
		return "abort_match"
	case Quit:
		return "quit"
	case Confirmation:
		return "confirmation"
	case Rejection:
		return "rejection"
	case Won:
		return "won"
	case Lost:
		return "lost"
	case Draw:
		return "draw"
	case Forfeit:
		return "forfeit"
	case DeleteAccount:
		return "delete_account"
	case Logout:
		return "logout"
	case Play:
		return "play"
	case SignupData:
		return "signup_data"
	case LoginData:
		return "login_data"
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return fmt.Sprintf("opcode(0x%02x)", byte(o))
	}
}

// Promotion is the third moveset byte: which piece a pawn becomes on the
// last rank. Zero means no promotion.
type Promotion byte

const (
	PromoteNone Promotion = iota
	PromoteKnight
	PromoteBishop
	PromoteRook
	PromoteQueen
)

// MovesetLen is the payload size of a move and of every terminal notice
// that relays one.
const MovesetLen = 3

// MaxCredentialLen caps each of the username and password fields; the
// length prefixes are single bytes.
const MaxCredentialLen = 255

// Moveset is the fixed 3-byte move payload. Squares are board indices in
// row*8+col form, row 0 being white's back rank.
type Moveset [MovesetLen]byte

// NewMoveset builds a moveset from its three components.
func NewMoveset(from, to uint8, p Promotion) Moveset {
	return Moveset{from, to, byte(p)}
}

// From returns the source square index.
func (m Moveset) From() uint8 { return m[0] }

// To returns the destination square index.
func (m Moveset) To() uint8 { return m[1] }

// Promotion returns the promotion selector.
func (m Moveset) Promotion() Promotion { return Promotion(m[2]) }

// String renders the moveset for logs, e.g. "e2e4" with an optional
// promotion letter.
func (m Moveset) String() string {
	s := fmt.Sprintf("%c%d%c%d",
		'a'+m.From()%8, m.From()/8+1,
		'a'+m.To()%8, m.To()/8+1)
	switch m.Promotion() {
	case PromoteKnight:
		s += "n"
	case PromoteBishop:
		s += "b"
	case PromoteRook:
		s += "r"
	case PromoteQueen:
		s += "q"
	}
	return s
}
