package database

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed seed/*.json
var seedFS embed.FS

type questionSeed struct {
	Position int    `json:"position"`
	Text     string `json:"text"`
}

type personalitySeed struct {
	MBTI        string   `json:"mbti"`
	Nickname    string   `json:"nickname"`
	Description string   `json:"description"`
	Jobs        []string `json:"jobs"`
}

// SeedReferenceData 将内置的问卷与人格描述写入数据库（幂等 upsert）。
func SeedReferenceData(ctx context.Context, db *gorm.DB) error {
	questions, err := loadQuestions()
	if err != nil {
		return err
	}
	personalities, err := loadPersonalities()
	if err != nil {
		return err
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "position"}},
			DoUpdates: clause.AssignmentColumns([]string{"text"}),
		}).Create(&questions).Error; err != nil {
			return fmt.Errorf("upsert questions: %w", err)
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mbti"}},
			DoUpdates: clause.AssignmentColumns([]string{"nickname", "description", "jobs"}),
		}).Create(&personalities).Error; err != nil {
			return fmt.Errorf("upsert personalities: %w", err)
		}
		return nil
	})
}

func loadQuestions() ([]Question, error) {
	raw, err := seedFS.ReadFile("seed/questions.json")
	if err != nil {
		return nil, fmt.Errorf("read question seed: %w", err)
	}
	var seeds []questionSeed
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("decode question seed: %w", err)
	}
	out := make([]Question, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, Question{Position: s.Position, Text: s.Text})
	}
	return out, nil
}

func loadPersonalities() ([]Personality, error) {
	raw, err := seedFS.ReadFile("seed/personalities.json")
	if err != nil {
		return nil, fmt.Errorf("read personality seed: %w", err)
	}
	var seeds []personalitySeed
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("decode personality seed: %w", err)
	}
	out := make([]Personality, 0, len(seeds))
	for _, s := range seeds {
		jobs, err := json.Marshal(s.Jobs)
		if err != nil {
			return nil, fmt.Errorf("encode jobs for %s: %w", s.MBTI, err)
		}
		out = append(out, Personality{
			MBTI:        s.MBTI,
			Nickname:    s.Nickname,
			Description: s.Description,
			Jobs:        datatypes.JSON(jobs),
		})
	}
	return out, nil
}
