package answer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/epw80/cataglory/pkg/model"
	"github.com/epw80/cataglory/pkg/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// mockGames serves a fixed roster
type mockGames struct {
	mu     sync.Mutex
	roster []model.PlayerGame
}

func (m *mockGames) ActiveRow(_ context.Context, playerID, gameID string) (model.PlayerGame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.roster {
		if row.PlayerID == playerID && row.GameID == gameID && row.RoundState == model.StatePending {
			return row, nil
		}
	}
	return model.PlayerGame{}, model.ErrNoActiveRound
}

func (m *mockGames) Roster(_ context.Context, gameID string) ([]model.PlayerGame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PlayerGame
	for _, row := range m.roster {
		if row.GameID == gameID {
			out = append(out, row)
		}
	}
	return out, nil
}

type mockQuestions struct {
	question model.Question
}

func (m *mockQuestions) Question(_ context.Context, gameID string, round int) (model.Question, error) {
	if gameID != m.question.GameID || round != m.question.Round {
		return model.Question{}, model.ErrGameNotFound
	}
	return m.question, nil
}

func player(id, nickname string, state model.RoundState, round int) model.PlayerGame {
	row := model.NewPlayerGame("g1", id, nickname, id == "a", testTime).WithState(state)
	row.Round = round
	return row
}

func newTestManager() (*Manager, *storage.MemoryStore, *mockGames) {
	logger := newTestLogger()
	store := storage.NewMemoryStore(logger)
	games := &mockGames{roster: []model.PlayerGame{
		player("a", "Alice", model.StatePending, 2),
		player("b", "Bob", model.StateWaiting, 2),
	}}
	questions := &mockQuestions{question: model.Question{GameID: "g1", Round: 2, Letter: "c"}}
	m := New(store, questions, games, logger)
	m.now = func() time.Time { return testTime }
	return m, store, games
}

func TestGetQuestions(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	q, err := m.GetQuestions(ctx, "g1", 2)
	if err != nil || q.Letter != "c" {
		t.Fatalf("GetQuestions = %+v, %v", q, err)
	}
	if _, err := m.GetQuestions(ctx, "g1", 3); !errors.Is(err, model.ErrGameNotFound) {
		t.Fatalf("expected ErrGameNotFound, got %v", err)
	}
}

func TestPutAnswer(t *testing.T) {
	m, store, _ := newTestManager()
	ctx := context.Background()

	err := m.PutAnswer(ctx, PutAnswerRequest{PlayerID: "a", GameID: "g1", Round: 2, QuestionNumber: 3, Answer: " Cat "})
	if err != nil {
		t.Fatalf("PutAnswer: %v", err)
	}

	item, ok := store.Get(storage.Key{PartitionKey: "a", SortKey: model.AnswerSortKey("g1", 2, 3)})
	if !ok {
		t.Fatal("answer row not written")
	}
	rows, err := storage.UnmarshalRows[model.Answer]([]storage.Item{item})
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := rows[0]
	if got.Answer != "Cat" || got.Nickname != "Alice" || len(got.Strikes) != 0 {
		t.Errorf("answer = %+v", got)
	}
	if got.Gsi != "g1" || got.GsiSortKey != model.AnswerGsiSortKey(2, "a", 3) {
		t.Errorf("gsi keys = %s / %s", got.Gsi, got.GsiSortKey)
	}
}

func TestPutAnswer_RoundGating(t *testing.T) {
	tests := []struct {
		name    string
		req     PutAnswerRequest
		wantErr error
	}{
		{"pending row for another round", PutAnswerRequest{PlayerID: "a", GameID: "g1", Round: 1, Answer: "cat"}, model.ErrNotAllowed},
		{"already waiting", PutAnswerRequest{PlayerID: "b", GameID: "g1", Round: 2, Answer: "cat"}, model.ErrNotAllowed},
		{"not in game", PutAnswerRequest{PlayerID: "z", GameID: "g1", Round: 2, Answer: "cat"}, model.ErrNotAllowed},
		{"empty answer", PutAnswerRequest{PlayerID: "a", GameID: "g1", Round: 2, Answer: "  "}, ErrEmptyAnswer},
		{"negative question", PutAnswerRequest{PlayerID: "a", GameID: "g1", Round: 2, QuestionNumber: -1, Answer: "cat"}, ErrInvalidNumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, _ := newTestManager()
			err := m.PutAnswer(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if store.Len() != 0 {
				t.Error("rejected answer was written")
			}
		})
	}
}

func TestPutAnswer_ResubmissionKeepsStrikes(t *testing.T) {
	m, _, games := newTestManager()
	ctx := context.Background()
	games.roster[1] = player("b", "Bob", model.StatePending, 2)

	req := PutAnswerRequest{PlayerID: "b", GameID: "g1", Round: 2, QuestionNumber: 0, Answer: "Cow"}
	if err := m.PutAnswer(ctx, req); err != nil {
		t.Fatalf("PutAnswer: %v", err)
	}
	if err := m.ReportAnswer(ctx, "a", "b", "g1", 2, 0); err != nil {
		t.Fatalf("ReportAnswer: %v", err)
	}

	for _, text := range []string{"Cow", "Crow"} {
		req.Answer = text
		if err := m.PutAnswer(ctx, req); !errors.Is(err, model.ErrNotAllowed) {
			t.Fatalf("resubmitting %q: error = %v, want ErrNotAllowed", text, err)
		}
	}

	answers, err := m.Answers(ctx, "g1", 2)
	if err != nil {
		t.Fatalf("Answers: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	if answers[0].Answer != "Cow" || !slices.Equal(answers[0].Strikes, []string{"a"}) {
		t.Errorf("answer = %q strikes = %v, want Cow struck by a", answers[0].Answer, answers[0].Strikes)
	}
}

func TestGetAnswers(t *testing.T) {
	m, _, games := newTestManager()
	ctx := context.Background()

	if _, err := m.GetAnswers(ctx, "g1", 2); !errors.Is(err, model.ErrNoAnswers) {
		t.Fatalf("expected ErrNoAnswers, got %v", err)
	}

	games.roster[1] = player("b", "Bob", model.StatePending, 2)
	for _, req := range []PutAnswerRequest{
		{PlayerID: "a", GameID: "g1", Round: 2, QuestionNumber: 0, Answer: "cat"},
		{PlayerID: "b", GameID: "g1", Round: 2, QuestionNumber: 0, Answer: "cow"},
	} {
		if err := m.PutAnswer(ctx, req); err != nil {
			t.Fatalf("PutAnswer: %v", err)
		}
	}

	answers, err := m.GetAnswers(ctx, "g1", 2)
	if err != nil {
		t.Fatalf("GetAnswers: %v", err)
	}
	if len(answers) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(answers))
	}
	for _, a := range answers {
		if a.Strikes == nil {
			t.Errorf("%s strikes should be empty, not nil", a.PlayerID)
		}
	}

	if _, err := m.GetAnswers(ctx, "g1", 1); !errors.Is(err, model.ErrNoAnswers) {
		t.Errorf("round 1 should have no answers, got %v", err)
	}
	if _, err := m.GetAnswers(ctx, "g1", 0); !errors.Is(err, ErrInvalidRound) {
		t.Errorf("expected ErrInvalidRound, got %v", err)
	}
}

func TestReportAnswer(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	if err := m.PutAnswer(ctx, PutAnswerRequest{PlayerID: "a", GameID: "g1", Round: 2, QuestionNumber: 1, Answer: "cat"}); err != nil {
		t.Fatalf("PutAnswer: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := m.ReportAnswer(ctx, "b", "a", "g1", 2, 1); err != nil {
			t.Fatalf("ReportAnswer: %v", err)
		}
	}

	answers, err := m.Answers(ctx, "g1", 2)
	if err != nil {
		t.Fatalf("Answers: %v", err)
	}
	if !slices.Equal(answers[0].Strikes, []string{"b", "b"}) {
		t.Errorf("strikes = %v", answers[0].Strikes)
	}
	if answers[0].DistinctStrikes() != 1 {
		t.Errorf("distinct strikes = %d, want 1", answers[0].DistinctStrikes())
	}
}

func TestReportAnswer_Errors(t *testing.T) {
	tests := []struct {
		name     string
		reporter string
		accused  string
		question int
		wantErr  error
	}{
		{"reporter not in game", "z", "a", 1, model.ErrNotInGame},
		{"accused not in game", "b", "z", 1, model.ErrNotInGame},
		{"no such answer", "b", "a", 4, model.ErrAnswerNotFound},
		{"own answer", "a", "a", 1, ErrSelfReport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, _ := newTestManager()
			ctx := context.Background()
			if err := m.PutAnswer(ctx, PutAnswerRequest{PlayerID: "a", GameID: "g1", Round: 2, QuestionNumber: 1, Answer: "cat"}); err != nil {
				t.Fatalf("PutAnswer: %v", err)
			}

			err := m.ReportAnswer(ctx, tt.reporter, tt.accused, "g1", 2, tt.question)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if store.Len() != 1 {
				t.Errorf("store has %d rows, want 1", store.Len())
			}
		})
	}
}
