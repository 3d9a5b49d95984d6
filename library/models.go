package library

import "time"

// Role is the capability tier attached to a user and to every session issued for them.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r == RoleAdmin || r == RoleMember }

// Book is a catalog entry. Stock counts the copies currently on the shelf.
type Book struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	ISBN      string    `json:"isbn"`
	Stock     int       `json:"stock"`
	CreatedAt time.Time `json:"createdAt"`
}

// BookInput carries the fields for createBook.
type BookInput struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
	Stock  int    `json:"stock"`
}

// BookUpdate carries the optional fields for updateBook; nil means unchanged.
type BookUpdate struct {
	Title  *string `json:"title,omitempty"`
	Author *string `json:"author,omitempty"`
	ISBN   *string `json:"isbn,omitempty"`
	Stock  *int    `json:"stock,omitempty"`
}

// User is a registered library user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Don't serialize password hash
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserUpdate carries the optional fields for updateUser; nil means unchanged.
type UserUpdate struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Role     *Role   `json:"role,omitempty"`
}

// Borrowing is one loan of one copy. Rows are never deleted; a loan is active
// while ReturnedAt is nil.
type Borrowing struct {
	ID         int64      `json:"id"`
	BookID     int64      `json:"bookId"`
	UserID     int64      `json:"userId"`
	BookTitle  string     `json:"bookTitle"`
	Username   string     `json:"username"`
	BorrowedAt time.Time  `json:"borrowedAt"`
	ReturnedAt *time.Time `json:"returnedAt"`
}

// Active reports whether the loan is still open.
func (b *Borrowing) Active() bool { return b.ReturnedAt == nil }

// ReturnRequest selects the loan to close. Members name the book, admins name
// the borrowing directly.
type ReturnRequest struct {
	BookID      int64 `json:"bookId,omitempty"`
	BorrowingID int64 `json:"borrowingId,omitempty"`
}

// Session is the credential a caller presents with every command. Token is
// authoritative; the other fields are a decoded convenience copy.
type Session struct {
	ID        string    `json:"sessionId"`
	Token     string    `json:"token"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthResult is returned by register and login.
type AuthResult struct {
	Session Session `json:"session"`
	User    User    `json:"user"`
}

// GeneralStats is the catalog/loan overview.
type GeneralStats struct {
	TotalBooks       int64 `json:"totalBooks"`
	AvailableBooks   int64 `json:"availableBooks"`
	UnavailableBooks int64 `json:"unavailableBooks"`
	TotalBorrowings  int64 `json:"totalBorrowings"`
	ActiveBorrowings int64 `json:"activeBorrowings"`
}

// BookRanking is one row of topBooks.
type BookRanking struct {
	BookID int64  `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Count  int64  `json:"count"`
}

// UserRanking is one row of topUsers.
type UserRanking struct {
	UserID   int64  `json:"id"`
	Username string `json:"username"`
	Count    int64  `json:"count"`
}
