package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"mbtiQuiz/internal/auth"
	"mbtiQuiz/internal/config"
	"mbtiQuiz/internal/database"
)

func main() {
	var (
		seed          = flag.Bool("seed", false, "写入/更新问卷题目与人格类型数据")
		resetPassword = flag.Bool("reset-password", false, "为 -email 指定的账号生成新的随机密码")
		email         = flag.String("email", "", "需要重置密码的账号邮箱")
		dbDriver      = flag.String("db-driver", "", "数据库驱动 postgres|mysql（可选，默认读 DATABASE_DRIVER）")
		dbHost        = flag.String("db-host", "", "数据库 Host（可选，默认读 DATABASE_HOST）")
		dbPort        = flag.Int("db-port", 0, "数据库 Port（可选，默认读 DATABASE_PORT）")
		dbName        = flag.String("db-name", "", "数据库名（可选，默认读 DATABASE_NAME）")
		dbUser        = flag.String("db-user", "", "数据库用户（可选，默认读 DATABASE_USER）")
		dbPass        = flag.String("db-password", "", "数据库密码（可选，默认读 DATABASE_PASSWORD）")
		sslMode       = flag.String("db-sslmode", "", "数据库 SSLMODE（可选，默认读 DATABASE_SSLMODE）")
	)
	flag.Parse()

	if !*seed && !*resetPassword {
		flag.Usage()
		os.Exit(2)
	}
	if *resetPassword && strings.TrimSpace(*email) == "" {
		log.Fatal("missing required flag: -email")
	}

	_ = godotenv.Load()

	dbCfg, err := loadDatabaseConfig(*dbDriver, *dbHost, *dbPort, *dbName, *dbUser, *dbPass, *sslMode)
	if err != nil {
		log.Fatalf("load database config: %v", err)
	}

	db, err := database.InitDatabase(dbCfg)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if *seed {
		if err := database.SeedReferenceData(ctx, db); err != nil {
			log.Fatalf("seed reference data: %v", err)
		}
		fmt.Println("问卷与人格类型数据已更新。")
	}

	if *resetPassword {
		password, err := resetUserPassword(ctx, db, *email)
		if err != nil {
			log.Fatalf("reset password: %v", err)
		}
		fmt.Printf("已重置账号密码：\n")
		fmt.Printf("邮箱: %s\n", strings.ToLower(strings.TrimSpace(*email)))
		fmt.Printf("新密码: %s\n", password)
		fmt.Printf("提示：该密码仅显示一次，请尽快登录后修改。\n")
	}
}

func resetUserPassword(ctx context.Context, db *gorm.DB, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user database.User
	switch err := db.WithContext(ctx).Where("email = ?", email).First(&user).Error; {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "", fmt.Errorf("user %q not found", email)
	default:
		return "", fmt.Errorf("query user: %w", err)
	}

	password, err := generateRandomPassword(18)
	if err != nil {
		return "", err
	}
	hashed, err := auth.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if err := db.WithContext(ctx).Model(&user).Update("password_hash", hashed).Error; err != nil {
		return "", fmt.Errorf("update password: %w", err)
	}
	return password, nil
}

func loadDatabaseConfig(driver, host string, port int, name, user, password, sslmode string) (config.DatabaseConfig, error) {
	driver = firstNonEmpty(driver, os.Getenv("DATABASE_DRIVER"), "postgres")
	host = firstNonEmpty(host, os.Getenv("DATABASE_HOST"), "localhost")
	name = firstNonEmpty(name, os.Getenv("DATABASE_NAME"))
	user = firstNonEmpty(user, os.Getenv("DATABASE_USER"))
	password = firstNonEmpty(password, os.Getenv("DATABASE_PASSWORD"))
	sslmode = firstNonEmpty(sslmode, os.Getenv("DATABASE_SSLMODE"), "disable")

	if port <= 0 {
		if env := strings.TrimSpace(os.Getenv("DATABASE_PORT")); env != "" {
			p, err := strconv.Atoi(env)
			if err != nil {
				return config.DatabaseConfig{}, fmt.Errorf("parse DATABASE_PORT: %w", err)
			}
			port = p
		}
	}
	if port <= 0 {
		port = 5432
		if driver == "mysql" {
			port = 3306
		}
	}

	switch {
	case driver != "postgres" && driver != "mysql":
		return config.DatabaseConfig{}, fmt.Errorf("unsupported database driver %q", driver)
	case name == "":
		return config.DatabaseConfig{}, errors.New("database name is required (DATABASE_NAME)")
	case user == "":
		return config.DatabaseConfig{}, errors.New("database user is required (DATABASE_USER)")
	}

	return config.DatabaseConfig{
		Driver:   driver,
		Host:     host,
		Port:     port,
		Name:     name,
		User:     user,
		Password: password,
		SSLMode:  sslmode,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func generateRandomPassword(bytesLen int) (string, error) {
	if bytesLen <= 0 {
		bytesLen = 18
	}
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
