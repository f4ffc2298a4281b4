package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"mbtiQuiz/internal/auth"
	"mbtiQuiz/internal/config"
	"mbtiQuiz/internal/database"
	"mbtiQuiz/internal/notify"
	"mbtiQuiz/internal/predict"
	"mbtiQuiz/internal/tasks"
)

const testPublicBase = "http://minio.test/photos"

type fakeStorage struct {
	mu       sync.Mutex
	uploaded map[string][]byte
	deleted  []string
	purged   []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{uploaded: map[string][]byte{}}
}

func (s *fakeStorage) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) (*minio.UploadInfo, error) {
	b, _ := io.ReadAll(reader)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded[objectName] = b
	return &minio.UploadInfo{Key: objectName}, nil
}

func (s *fakeStorage) DeleteObject(_ context.Context, objectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, objectKey)
	delete(s.uploaded, objectKey)
	return nil
}

func (s *fakeStorage) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, prefix)
	return nil
}

func (s *fakeStorage) PublicURL(objectKey string) string {
	return testPublicBase + "/" + objectKey
}

func (s *fakeStorage) ObjectKeyFromURL(rawURL string) (string, bool) {
	if !strings.HasPrefix(rawURL, testPublicBase+"/") {
		return "", false
	}
	return strings.TrimPrefix(rawURL, testPublicBase+"/"), true
}

type fakeQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: uuid.NewString(), Type: task.Type()}, nil
}

type fakeClassifier struct {
	scores []float32
	err    error
}

func (f *fakeClassifier) Scores(_ context.Context, _ []float32) ([]float32, error) {
	return f.scores, f.err
}

type recordingPublisher struct {
	messages []notify.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg notify.Message) error {
	p.messages = append(p.messages, msg)
	return nil
}

type memoryRevocations struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

func (m *memoryRevocations) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revoked == nil {
		m.revoked = map[string]time.Time{}
	}
	m.revoked[tokenID] = expiresAt
	return nil
}

func (m *memoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[tokenID]
	return ok, nil
}

type testEnv struct {
	router     *gin.Engine
	db         *gorm.DB
	storage    *fakeStorage
	queue      *fakeQueue
	classifier *fakeClassifier
	publisher  *recordingPublisher
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := database.SeedReferenceData(context.Background(), db); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith 允许在注册路由前调整配置与依赖。
func newTestEnvWith(t *testing.T, configure func(cfg *config.Config, deps *Dependencies)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authService, err := auth.NewAuthService([]byte("0123456789abcdef-api-test"), time.Hour)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	scores := make([]float32, len(predict.Labels))
	scores[3] = 0.9
	env := &testEnv{
		db:         newTestDB(t),
		storage:    newFakeStorage(),
		queue:      &fakeQueue{},
		classifier: &fakeClassifier{scores: scores},
		publisher:  &recordingPublisher{},
	}

	cfg := &config.Config{
		API:  config.APIConfig{AllowedOrigins: "*", MaxPhotoBytes: 1 << 20},
		Auth: config.AuthConfig{TokenTTL: time.Hour},
	}
	deps := Dependencies{
		Config:      cfg,
		DB:          env.db,
		AuthService: authService,
		Revocations: &memoryRevocations{},
		Storage:     env.storage,
		Queue:       env.queue,
		Predictor:   predict.NewPredictor(env.classifier),
		Publisher:   env.publisher,
	}
	if configure != nil {
		configure(cfg, &deps)
	}
	env.router = NewRouter(cfg, env.db, nil)
	RegisterRoutes(env.router, deps)
	return env
}

// newRedisTestEnv 使用进程内 Redis 开启登录限流。
func newRedisTestEnv(t *testing.T, authCfg config.AuthConfig) (*testEnv, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnvWith(t, func(cfg *config.Config, deps *Dependencies) {
		authCfg.TokenTTL = cfg.Auth.TokenTTL
		cfg.Auth = authCfg
		deps.Redis = client
	})
	return env, mr
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func formRequest(method, target string, values url.Values, token string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func jsonRequest(method, target string, body any, token string) *http.Request {
	var reader io.Reader = http.NoBody
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

// registerAndLogin 注册一个新用户并返回用户名与令牌。
func (e *testEnv) registerAndLogin(t *testing.T, email string) (string, string) {
	t.Helper()
	w := e.do(formRequest(http.MethodPost, "/api/register", url.Values{
		"frontName": {"Ada"},
		"lastName":  {"Lovelace"},
		"email":     {email},
		"password":  {"secret-pass"},
	}, ""))
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201 got %d body=%s", w.Code, w.Body.String())
	}
	username := decodeBody(t, w)["username"].(string)

	w = e.do(formRequest(http.MethodPost, "/api/login", url.Values{
		"email":    {email},
		"password": {"secret-pass"},
	}, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	result := decodeBody(t, w)["loginResult"].(map[string]any)
	return username, result["token"].(string)
}

func pngBytes() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
}

func newMultipartUpload(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, token, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := newMultipartUpload(t, photoFormField, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/api/uploadphoto", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	return e.do(req)
}

func (e *testEnv) loadUser(t *testing.T, username string) database.User {
	t.Helper()
	var user database.User
	if err := e.db.Where("username = ?", username).First(&user).Error; err != nil {
		t.Fatalf("load user %s: %v", username, err)
	}
	return user
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)

	username, _ := env.registerAndLogin(t, "ada@example.com")
	if !strings.HasPrefix(username, "user") || !strings.HasSuffix(username, time.Now().Format("20060102")) {
		t.Fatalf("unexpected username %q", username)
	}

	user := env.loadUser(t, username)
	if user.Status != database.DefaultStatus {
		t.Fatalf("expected status %q got %q", database.DefaultStatus, user.Status)
	}
	if user.PasswordHash == "secret-pass" || !auth.CheckPasswordHash("secret-pass", user.PasswordHash) {
		t.Fatalf("password must be stored as a bcrypt hash")
	}

	w := env.do(formRequest(http.MethodPost, "/api/register", url.Values{
		"email":    {"ADA@example.com"},
		"password": {"another-pass"},
	}, ""))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d body=%s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["error"] != true {
		t.Fatalf("expected error=true body=%v", body)
	}

	w = env.do(formRequest(http.MethodPost, "/api/register", url.Values{"email": {"x@example.com"}}, ""))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%s", w.Code, w.Body.String())
	}
}

func TestRegister_UsernamesAreUnique(t *testing.T) {
	env := newTestEnv(t)

	first, _ := env.registerAndLogin(t, "one@example.com")
	second, _ := env.registerAndLogin(t, "two@example.com")
	if first == second {
		t.Fatalf("expected distinct usernames, both %q", first)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	username, token := env.registerAndLogin(t, "ada@example.com")
	if token == "" {
		t.Fatalf("expected token")
	}

	w := env.do(formRequest(http.MethodPost, "/api/login", url.Values{
		"email":    {"ada@example.com"},
		"password": {"secret-pass"},
	}, ""))
	result := decodeBody(t, w)["loginResult"].(map[string]any)
	if result["username"] != username || result["email"] != "ada@example.com" || result["name"] != "Ada Lovelace" {
		t.Fatalf("unexpected login result %v", result)
	}

	w = env.do(formRequest(http.MethodPost, "/api/login", url.Values{
		"email":    {"ada@example.com"},
		"password": {"wrong-pass"},
	}, ""))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}

	w = env.do(formRequest(http.MethodPost, "/api/login", url.Values{
		"email":    {"nobody@example.com"},
		"password": {"secret-pass"},
	}, ""))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown email got %d", w.Code)
	}
}

func login(env *testEnv, email, password string) *httptest.ResponseRecorder {
	return env.do(formRequest(http.MethodPost, "/api/login", url.Values{
		"email":    {email},
		"password": {password},
	}, ""))
}

func TestLogin_LocksAccountAfterRepeatedFailures(t *testing.T) {
	env, mr := newRedisTestEnv(t, config.AuthConfig{
		LoginLockThreshold: 3,
		LoginLockTTL:       15 * time.Minute,
	})
	env.registerAndLogin(t, "ada@example.com")

	for i := 0; i < 3; i++ {
		if w := login(env, "ada@example.com", "wrong-pass"); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401 got %d", i+1, w.Code)
		}
	}

	w := login(env, "ada@example.com", "secret-pass")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d body=%s", w.Code, w.Body.String())
	}
	if msg := decodeBody(t, w)["message"]; msg != "account temporarily locked" {
		t.Fatalf("unexpected message %v", msg)
	}

	// 其它账号不受影响。
	env.registerAndLogin(t, "bob@example.com")

	// 锁定过期后恢复登录。
	mr.FastForward(16 * time.Minute)
	if w := login(env, "ada@example.com", "secret-pass"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 after lock expiry got %d body=%s", w.Code, w.Body.String())
	}
}

func TestLogin_SuccessResetsFailureCount(t *testing.T) {
	env, _ := newRedisTestEnv(t, config.AuthConfig{
		LoginLockThreshold: 3,
		LoginLockTTL:       15 * time.Minute,
	})
	env.registerAndLogin(t, "ada@example.com")

	login(env, "ada@example.com", "wrong-pass")
	login(env, "ada@example.com", "wrong-pass")
	if w := login(env, "ada@example.com", "secret-pass"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	login(env, "ada@example.com", "wrong-pass")
	if w := login(env, "ada@example.com", "secret-pass"); w.Code != http.StatusOK {
		t.Fatalf("failure count must reset after success, got %d", w.Code)
	}
}

func TestLogin_RateLimitPerHour(t *testing.T) {
	env, _ := newRedisTestEnv(t, config.AuthConfig{LoginRateLimitPerHour: 2})
	// registerAndLogin 计入第一次登录。
	env.registerAndLogin(t, "ada@example.com")

	if w := login(env, "ada@example.com", "secret-pass"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	w := login(env, "ada@example.com", "secret-pass")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d body=%s", w.Code, w.Body.String())
	}
	if msg := decodeBody(t, w)["message"]; msg != "too many login attempts" {
		t.Fatalf("unexpected message %v", msg)
	}

	// 计数按邮箱区分。
	env.registerAndLogin(t, "bob@example.com")
}

func TestGuardedEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{"/api/dashboard", "/api/profile", "/api/survey", "/api/predictions"} {
		w := env.do(httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 got %d", target, w.Code)
		}
	}

	w := env.do(jsonRequest(http.MethodGet, "/api/dashboard", nil, "tampered.token.value"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered token got %d", w.Code)
	}
}

func TestDashboardAndProfile(t *testing.T) {
	env := newTestEnv(t)
	username, token := env.registerAndLogin(t, "ada@example.com")

	w := env.do(jsonRequest(http.MethodGet, "/api/dashboard", nil, token))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["username"] != username || data["mbti"] != nil || data["photoUrl"] != nil {
		t.Fatalf("unexpected dashboard %v", data)
	}

	w = env.do(jsonRequest(http.MethodGet, "/api/profile", nil, token))
	data = decodeBody(t, w)["data"].(map[string]any)
	if data["frontName"] != "Ada" || data["status"] != database.DefaultStatus || data["personality"] != nil {
		t.Fatalf("unexpected profile %v", data)
	}
}

func TestPredict(t *testing.T) {
	env := newTestEnv(t)
	username, token := env.registerAndLogin(t, "ada@example.com")

	w := env.do(jsonRequest(http.MethodPost, "/api/predict", gin.H{"input": make([]float64, 59)}, token))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for 59 values got %d", w.Code)
	}
	w = env.do(jsonRequest(http.MethodPost, "/api/predict", gin.H{"input": make([]float64, 61)}, token))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for 61 values got %d", w.Code)
	}
	if user := env.loadUser(t, username); user.MBTI != nil {
		t.Fatalf("rejected input must not persist a label")
	}

	w = env.do(jsonRequest(http.MethodPost, "/api/predict", gin.H{"input": make([]float64, 60)}, token))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["mbti"] != predict.Labels[3] {
		t.Fatalf("expected %s got %v", predict.Labels[3], data["mbti"])
	}
	if data["personality"] == nil {
		t.Fatalf("expected personality description")
	}

	user := env.loadUser(t, username)
	if user.MBTI == nil || *user.MBTI != predict.Labels[3] {
		t.Fatalf("label not persisted: %v", user.MBTI)
	}
	if len(env.publisher.messages) != 1 || env.publisher.messages[0].Type != notify.TypeMBTIAssigned {
		t.Fatalf("unexpected notifications %+v", env.publisher.messages)
	}

	w = env.do(jsonRequest(http.MethodGet, "/api/predictions", nil, token))
	items := decodeBody(t, w)["data"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 history entry got %d", len(items))
	}
}

func TestPredict_TieGoesToLowestIndex(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.registerAndLogin(t, "ada@example.com")

	scores := make([]float32, len(predict.Labels))
	scores[5], scores[2], scores[9] = 0.4, 0.4, 0.4
	env.classifier.scores = scores

	w := env.do(jsonRequest(http.MethodPost, "/api/predict", gin.H{"input": make([]float64, 60)}, token))
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["mbti"] != predict.Labels[2] {
		t.Fatalf("expected %s got %v", predict.Labels[2], data["mbti"])
	}
}

func TestPredict_ClassifierFailure(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.registerAndLogin(t, "ada@example.com")
	env.classifier.err = errors.New("runtime exploded")

	w := env.do(jsonRequest(http.MethodPost, "/api/predict", gin.H{"input": make([]float64, 60)}, token))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "exploded") {
		t.Fatalf("internal error leaked: %s", w.Body.String())
	}
}

func TestDeleteUser(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.registerAndLogin(t, "alice@example.com")
	bob, _ := env.registerAndLogin(t, "bob@example.com")

	w := env.do(jsonRequest(http.MethodDelete, "/api/deleteuser/"+bob, nil, aliceToken))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d body=%s", w.Code, w.Body.String())
	}
	env.loadUser(t, bob)

	w = env.do(jsonRequest(http.MethodDelete, "/api/deleteuser/"+alice, nil, aliceToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}

	var count int64
	env.db.Model(&database.User{}).Where("username = ?", alice).Count(&count)
	if count != 0 {
		t.Fatalf("expected user to be deleted")
	}
	if len(env.queue.tasks) != 1 || env.queue.tasks[0].Type() != tasks.TypePhotoPurge {
		t.Fatalf("expected purge task, got %+v", env.queue.tasks)
	}

	// 账号删除后旧令牌不能再访问。
	w = env.do(jsonRequest(http.MethodGet, "/api/dashboard", nil, aliceToken))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.registerAndLogin(t, "ada@example.com")

	w := env.do(formRequest(http.MethodPost, "/api/changepassword", url.Values{
		"currentPassword": {"wrong"},
		"newPassword":     {"brand-new-pass"},
	}, token))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}

	w = env.do(formRequest(http.MethodPost, "/api/changepassword", url.Values{
		"currentPassword": {"secret-pass"},
		"newPassword":     {"brand-new-pass"},
	}, token))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}

	newToken, _ := decodeBody(t, w)["token"].(string)
	if newToken == "" || newToken == token {
		t.Fatalf("expected a fresh token")
	}
	if w := env.do(jsonRequest(http.MethodGet, "/api/dashboard", nil, token)); w.Code != http.StatusUnauthorized {
		t.Fatalf("old token must be revoked, got %d", w.Code)
	}
	if w := env.do(jsonRequest(http.MethodGet, "/api/dashboard", nil, newToken)); w.Code != http.StatusOK {
		t.Fatalf("new token rejected, got %d", w.Code)
	}

	w = env.do(formRequest(http.MethodPost, "/api/login", url.Values{
		"email":    {"ada@example.com"},
		"password": {"brand-new-pass"},
	}, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected login with new password, got %d", w.Code)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.registerAndLogin(t, "ada@example.com")

	w := env.do(jsonRequest(http.MethodPost, "/api/logout", nil, token))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	w = env.do(jsonRequest(http.MethodGet, "/api/dashboard", nil, token))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout got %d", w.Code)
	}
	if msg := decodeBody(t, w)["message"]; msg != "invalid token" {
		t.Fatalf("unexpected message %v", msg)
	}
}

func TestSurvey(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.registerAndLogin(t, "ada@example.com")

	w := env.do(jsonRequest(http.MethodGet, "/api/survey", nil, token))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["completed"] != false || len(data["questions"].([]any)) != predict.InputSize {
		t.Fatalf("unexpected survey %v", data)
	}

	env.do(jsonRequest(http.MethodPost, "/api/predict", gin.H{"input": make([]float64, 60)}, token))
	w = env.do(jsonRequest(http.MethodGet, "/api/survey", nil, token))
	data = decodeBody(t, w)["data"].(map[string]any)
	if data["completed"] != true || data["mbti"] != predict.Labels[3] {
		t.Fatalf("expected completed survey, got %v", data)
	}
}

func TestHistoryLimit(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.registerAndLogin(t, "ada@example.com")

	for i := 0; i < 3; i++ {
		env.do(jsonRequest(http.MethodPost, "/api/predict", gin.H{"input": make([]float64, 60)}, token))
	}

	w := env.do(jsonRequest(http.MethodGet, "/api/predictions?limit=2", nil, token))
	if items := decodeBody(t, w)["data"].([]any); len(items) != 2 {
		t.Fatalf("expected 2 entries got %d", len(items))
	}
	w = env.do(jsonRequest(http.MethodGet, "/api/predictions?limit=0", nil, token))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
}

func TestUploadPhoto(t *testing.T) {
	env := newTestEnv(t)
	username, token := env.registerAndLogin(t, "ada@example.com")

	w := env.upload(t, token, "notes.txt", []byte("just some text, not an image"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%s", w.Code, w.Body.String())
	}

	w = env.upload(t, token, "avatar.png", pngBytes())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	user := env.loadUser(t, username)
	firstKey := "profile-photos/" + username + "/" + username + "_1.png"
	if user.UpdateCounter != 1 || user.PhotoURL == nil || *user.PhotoURL != testPublicBase+"/"+firstKey {
		t.Fatalf("unexpected user after upload: counter=%d url=%v", user.UpdateCounter, user.PhotoURL)
	}

	w = env.upload(t, token, "avatar2.png", pngBytes())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	user = env.loadUser(t, username)
	if user.UpdateCounter != 2 || !strings.HasSuffix(*user.PhotoURL, username+"_2.png") {
		t.Fatalf("expected second photo to replace first, got %v", *user.PhotoURL)
	}
	if len(env.queue.tasks) != 1 || env.queue.tasks[0].Type() != tasks.TypePhotoDelete {
		t.Fatalf("expected delete task for old photo, got %+v", env.queue.tasks)
	}
	var payload tasks.PhotoDeletePayload
	if err := json.Unmarshal(env.queue.tasks[0].Payload(), &payload); err != nil || payload.ObjectKey != firstKey {
		t.Fatalf("unexpected payload %+v err=%v", payload, err)
	}
}

func TestUploadPhoto_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.registerAndLogin(t, "ada@example.com")

	big := append(pngBytes(), bytes.Repeat([]byte{0}, 1<<20)...)
	w := env.upload(t, token, "big.png", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 got %d", w.Code)
	}
	if len(env.storage.uploaded) != 0 {
		t.Fatalf("oversized photo must not be stored")
	}

	// 远超上限的请求体在解析表单时就被截断。
	huge := append(pngBytes(), bytes.Repeat([]byte{0}, 3<<20)...)
	w = env.upload(t, token, "huge.png", huge)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body got %d body=%s", w.Code, w.Body.String())
	}
	if len(env.storage.uploaded) != 0 {
		t.Fatalf("oversized body must not be stored")
	}
}

func TestUploadPhoto_QueueDownFallsBackToInlineDelete(t *testing.T) {
	env := newTestEnv(t)
	username, token := env.registerAndLogin(t, "ada@example.com")
	env.queue.err = errors.New("redis down")

	env.upload(t, token, "a.png", pngBytes())
	env.upload(t, token, "b.png", pngBytes())

	firstKey := "profile-photos/" + username + "/" + username + "_1.png"
	if len(env.storage.deleted) != 1 || env.storage.deleted[0] != firstKey {
		t.Fatalf("expected inline delete of %s, got %v", firstKey, env.storage.deleted)
	}
}

func TestReplacePhoto_StaleCounterConflicts(t *testing.T) {
	env := newTestEnv(t)
	username, _ := env.registerAndLogin(t, "ada@example.com")
	user := env.loadUser(t, username)

	store := NewUserStore(env.db)
	if err := store.ReplacePhoto(context.Background(), user.ID, user.UpdateCounter, "first"); err != nil {
		t.Fatalf("first replace: %v", err)
	}
	// 旧计数值已经失效。
	if err := store.ReplacePhoto(context.Background(), user.ID, user.UpdateCounter, "second"); !errors.Is(err, ErrPhotoConflict) {
		t.Fatalf("expected ErrPhotoConflict got %v", err)
	}
}

func TestDeletePhoto(t *testing.T) {
	env := newTestEnv(t)
	username, token := env.registerAndLogin(t, "ada@example.com")

	w := env.do(jsonRequest(http.MethodDelete, "/api/deletephoto", nil, token))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", w.Code)
	}

	env.upload(t, token, "a.png", pngBytes())
	w = env.do(jsonRequest(http.MethodDelete, "/api/deletephoto", nil, token))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}

	user := env.loadUser(t, username)
	if user.PhotoURL != nil {
		t.Fatalf("expected photo url to be cleared")
	}
	if len(env.storage.deleted) != 1 {
		t.Fatalf("expected object removal, got %v", env.storage.deleted)
	}
}

func TestReferenceData(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/questions", nil))
	questions := decodeBody(t, w)["data"].([]any)
	if len(questions) != predict.InputSize {
		t.Fatalf("expected %d questions got %d", predict.InputSize, len(questions))
	}
	if first := questions[0].(map[string]any); first["position"] != float64(1) {
		t.Fatalf("questions must be ordered, first=%v", first)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/personality", nil))
	if items := decodeBody(t, w)["data"].([]any); len(items) != len(predict.Labels) {
		t.Fatalf("expected %d personalities got %d", len(predict.Labels), len(items))
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/personality/intj", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	w = env.do(httptest.NewRequest(http.MethodGet, "/api/personality/ABCD", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	if status := decodeBody(t, w)["status"]; status != "ok" {
		t.Fatalf("unexpected status %v", status)
	}
}
