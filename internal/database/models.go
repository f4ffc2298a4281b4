package database

import (
	"time"

	"gorm.io/datatypes"
)

// DefaultStatus 是注册用户的默认状态。
const DefaultStatus = "User"

// User 表示系统中的账号信息，包括档案与 MBTI 结果。
type User struct {
	ID            uint    `gorm:"primaryKey"`
	Username      string  `gorm:"uniqueIndex;size:100;not null"`
	FrontName     string  `gorm:"size:50"`
	LastName      string  `gorm:"size:50"`
	Email         string  `gorm:"uniqueIndex;size:100;not null"`
	PasswordHash  string  `gorm:"size:255;not null"`
	Status        string  `gorm:"size:50;not null"`
	MBTI          *string `gorm:"column:mbti;size:4"`
	PhotoURL      *string `gorm:"size:512"`
	UpdateCounter int     `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Predictions   []Prediction `gorm:"constraint:OnDelete:CASCADE"`
}

// FullName 返回 "名 姓"，任一为空时返回空字符串。
func (u User) FullName() string {
	if u.FrontName == "" || u.LastName == "" {
		return ""
	}
	return u.FrontName + " " + u.LastName
}

// Prediction 记录一次推理的输入、分数与结果。
type Prediction struct {
	ID        uint           `gorm:"primaryKey"`
	UserID    uint           `gorm:"index;not null"`
	MBTI      string         `gorm:"column:mbti;size:4;not null"`
	Input     datatypes.JSON `gorm:"not null"`
	Scores    datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time
}

// Question 是问卷中的一道题，Position 从 1 开始，与模型输入下标一一对应。
type Question struct {
	ID       uint   `gorm:"primaryKey"`
	Position int    `gorm:"uniqueIndex;not null"`
	Text     string `gorm:"size:512;not null"`
}

// Personality 描述某个 MBTI 类型及其推荐职业。
type Personality struct {
	MBTI        string         `gorm:"column:mbti;primaryKey;size:4"`
	Nickname    string         `gorm:"size:64"`
	Description string         `gorm:"type:text"`
	Jobs        datatypes.JSON `gorm:"not null"`
}
