package entities

// User is an operator account allowed to log in and issue commands.
type User struct {
	ID           string `gorm:"type:text;primaryKey" json:"id"`
	Username     string `gorm:"unique;not null" json:"username"`
	PasswordHash string `gorm:"not null" json:"-"`
	CreatedAt    string `json:"created_at"`
}
