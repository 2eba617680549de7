package repositories

import (
	"time"

	"rdm-server/db"
	"rdm-server/entities"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type userPgRepository struct {
	db db.Database
}

func NewUserPgRepository(database db.Database) UserRepository {
	return &userPgRepository{db: database}
}

func (r *userPgRepository) Create(user *entities.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt == "" {
		user.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return errors.Wrap(r.db.GetDB().Create(user).Error, "create user")
}

func (r *userPgRepository) GetByUsername(username string) (*entities.User, error) {
	var user entities.User
	if err := r.db.GetDB().Where("username = ?", username).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
