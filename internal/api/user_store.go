package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mbtiQuiz/internal/database"
)

var (
	ErrEmailTaken      = errors.New("email already registered")
	ErrUserNotFound    = errors.New("user not found")
	ErrPhotoConflict   = errors.New("photo was changed concurrently")
	ErrNoPhoto         = errors.New("user has no photo")
	ErrUsernameTaken   = errors.New("username already taken")
	errEmptyPrediction = errors.New("prediction label is empty")
)

// UserStore 封装 users 表的读写，所有多步写入都在事务中完成。
type UserStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

// NewUser 是注册时需要写入的字段。
type NewUser struct {
	FrontName    string
	LastName     string
	Email        string
	PasswordHash string
}

// Create 插入新用户并基于自增主键生成用户名 user<ID><YYYYMMDD>。
// 主键由数据库分配，因此并发注册不会得到相同的用户名。
func (s *UserStore) Create(ctx context.Context, in NewUser) (*database.User, error) {
	email := normalizeEmail(in.Email)
	user := database.User{
		Username:     "pending-" + uuid.NewString(),
		FrontName:    strings.TrimSpace(in.FrontName),
		LastName:     strings.TrimSpace(in.LastName),
		Email:        email,
		PasswordHash: in.PasswordHash,
		Status:       database.DefaultStatus,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&database.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return fmt.Errorf("check email: %w", err)
		}
		if count > 0 {
			return ErrEmailTaken
		}

		if err := tx.Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrEmailTaken
			}
			return fmt.Errorf("insert user: %w", err)
		}

		user.Username = generateUsername(user.ID, s.now())
		if err := tx.Model(&user).Update("username", user.Username).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrUsernameTaken
			}
			return fmt.Errorf("assign username: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (*database.User, error) {
	var user database.User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&user).Error
	return userOrNotFound(&user, err)
}

func (s *UserStore) FindByID(ctx context.Context, id uint) (*database.User, error) {
	var user database.User
	err := s.db.WithContext(ctx).First(&user, id).Error
	return userOrNotFound(&user, err)
}

// UpdatePasswordHash 覆盖密码哈希。
func (s *UserStore) UpdatePasswordHash(ctx context.Context, id uint, hash string) error {
	res := s.db.WithContext(ctx).Model(&database.User{}).Where("id = ?", id).Update("password_hash", hash)
	if res.Error != nil {
		return fmt.Errorf("update password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Delete 删除用户及其预测记录。
func (s *UserStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&database.Prediction{}).Error; err != nil {
			return fmt.Errorf("delete predictions: %w", err)
		}
		res := tx.Delete(&database.User{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete user: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// SavePrediction 把预测结果写到用户行，并追加一条历史记录。
func (s *UserStore) SavePrediction(ctx context.Context, userID uint, label string, input []float64, scores []float32) (*database.Prediction, error) {
	if label == "" {
		return nil, errEmptyPrediction
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return nil, fmt.Errorf("encode scores: %w", err)
	}

	prediction := database.Prediction{
		UserID: userID,
		MBTI:   label,
		Input:  datatypes.JSON(inputJSON),
		Scores: datatypes.JSON(scoresJSON),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&database.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if count == 0 {
			return ErrUserNotFound
		}
		// MySQL 对未变化的行返回 RowsAffected=0，因此存在性单独校验。
		if err := tx.Model(&database.User{}).Where("id = ?", userID).Update("mbti", label).Error; err != nil {
			return fmt.Errorf("update user mbti: %w", err)
		}
		if err := tx.Create(&prediction).Error; err != nil {
			return fmt.Errorf("insert prediction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &prediction, nil
}

// ListPredictions 按时间倒序返回用户的预测历史。
func (s *UserStore) ListPredictions(ctx context.Context, userID uint, limit int) ([]database.Prediction, error) {
	var predictions []database.Prediction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&predictions).Error
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	return predictions, nil
}

// ReplacePhoto 仅在 update_counter 仍为 expectedCounter 时写入新头像地址并递增计数。
func (s *UserStore) ReplacePhoto(ctx context.Context, userID uint, expectedCounter int, photoURL string) error {
	res := s.db.WithContext(ctx).Model(&database.User{}).
		Where("id = ? AND update_counter = ?", userID, expectedCounter).
		Updates(map[string]any{
			"photo_url":      photoURL,
			"update_counter": expectedCounter + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update photo: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPhotoConflict
	}
	return nil
}

// ClearPhoto 仅在当前头像仍为 expectedURL 时将其置空。
func (s *UserStore) ClearPhoto(ctx context.Context, userID uint, expectedURL string) error {
	res := s.db.WithContext(ctx).Model(&database.User{}).
		Where("id = ? AND photo_url = ?", userID, expectedURL).
		Update("photo_url", nil)
	if res.Error != nil {
		return fmt.Errorf("clear photo: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPhotoConflict
	}
	return nil
}

func generateUsername(id uint, at time.Time) string {
	return fmt.Sprintf("%s%d%s", strings.ToLower(database.DefaultStatus), id, at.Format("20060102"))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func userOrNotFound(user *database.User, err error) (*database.User, error) {
	if err == nil {
		return user, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	return nil, fmt.Errorf("query user: %w", err)
}
