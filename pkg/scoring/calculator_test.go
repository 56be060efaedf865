package scoring

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/epw80/cataglory/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type mockAnswers struct {
	mu      sync.Mutex
	answers []model.Answer
	err     error
}

func (m *mockAnswers) Answers(_ context.Context, gameID string, round int) ([]model.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []model.Answer
	for _, a := range m.answers {
		if a.GameID == gameID && a.Round == round {
			out = append(out, a)
		}
	}
	return out, nil
}

type mockQuestions struct {
	letters map[int]string
}

func (m *mockQuestions) Question(_ context.Context, gameID string, round int) (model.Question, error) {
	letter, ok := m.letters[round]
	if !ok {
		return model.Question{}, model.ErrGameNotFound
	}
	return model.Question{GameID: gameID, Round: round, Letter: letter}, nil
}

func answer(player string, question int, text string, strikes ...string) model.Answer {
	return model.Answer{
		PlayerID:       player,
		GameID:         "G1",
		Round:          1,
		QuestionNumber: question,
		Answer:         text,
		Nickname:       "nick-" + player,
		Strikes:        strikes,
	}
}

func rosterAt(round int, state model.RoundState, current, previous model.Scores) []model.PlayerGame {
	var roster []model.PlayerGame
	for _, id := range []string{"A", "B"} {
		row := model.NewPlayerGame("G1", id, "nick-"+id, id == "A", testTime).WithState(state)
		row.Round = round
		row.CurrentScores = current
		row.PreviousRoundScores = previous
		roster = append(roster, row)
	}
	return roster
}

func scoreMap(scores model.Scores) map[string]int {
	out := make(map[string]int, len(scores))
	for _, s := range scores {
		out[s.PlayerID] = s.Score
	}
	return out
}

func TestCalculate_Scenarios(t *testing.T) {
	tests := []struct {
		name    string
		answers []model.Answer
		want    map[string]int
	}{
		{
			name: "case-insensitive duplicate and unique answer",
			answers: []model.Answer{
				answer("A", 0, "Cat"),
				answer("B", 0, "cat"),
				answer("A", 1, "Chick"),
			},
			want: map[string]int{"A": 1, "B": 0},
		},
		{
			name:    "wrong starting letter",
			answers: []model.Answer{answer("A", 0, "Horse")},
			want:    map[string]int{"A": 0, "B": 0},
		},
		{
			name:    "struck unique answer",
			answers: []model.Answer{answer("B", 0, "Cow", "A")},
			want:    map[string]int{"A": 0, "B": 0},
		},
		{
			name:    "repeated strikes by one reporter",
			answers: []model.Answer{answer("B", 0, "Cow", "A", "A"), answer("B", 1, "Crow")},
			want:    map[string]int{"A": 0, "B": 1},
		},
		{
			name:    "same text on different questions",
			answers: []model.Answer{answer("A", 0, "Cod"), answer("B", 1, "cod")},
			want:    map[string]int{"A": 1, "B": 1},
		},
		{
			name:    "leading whitespace and upper case letter",
			answers: []model.Answer{answer("A", 0, "  CAMEL")},
			want:    map[string]int{"A": 1, "B": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&mockAnswers{answers: tt.answers}, &mockQuestions{letters: map[int]string{1: "c"}}, newTestLogger())
			roster := rosterAt(1, model.StateWaiting, model.Scores{
				{PlayerID: "A", Nickname: "nick-A"},
				{PlayerID: "B", Nickname: "nick-B"},
			}, nil)

			scores, err := c.Calculate(context.Background(), "G1", 1, roster)
			if err != nil {
				t.Fatalf("Calculate: %v", err)
			}
			got := scoreMap(scores)
			for id, want := range tt.want {
				if got[id] != want {
					t.Errorf("%s = %d, want %d", id, got[id], want)
				}
			}
			if len(scores) != len(tt.want) {
				t.Errorf("got %d scores, want %d", len(scores), len(tt.want))
			}
		})
	}
}

func TestCalculate_SeedSelection(t *testing.T) {
	current := model.Scores{{PlayerID: "A", Score: 5}, {PlayerID: "B", Score: 2}}
	previous := model.Scores{{PlayerID: "A", Score: 3}, {PlayerID: "B", Score: 1}}

	tests := []struct {
		name   string
		roster []model.PlayerGame
		want   map[string]int
	}{
		{"round still current", rosterAt(1, model.StateWaiting, current, previous), map[string]int{"A": 6, "B": 2}},
		{"roster moved on", rosterAt(2, model.StatePending, current, previous), map[string]int{"A": 4, "B": 1}},
		{"game completed at round", rosterAt(1, model.StateCompleted, current, previous), map[string]int{"A": 4, "B": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answers := &mockAnswers{answers: []model.Answer{answer("A", 0, "cat")}}
			c := New(answers, &mockQuestions{letters: map[int]string{1: "c"}}, newTestLogger())

			scores, err := c.Calculate(context.Background(), "G1", 1, tt.roster)
			if err != nil {
				t.Fatalf("Calculate: %v", err)
			}
			got := scoreMap(scores)
			for id, want := range tt.want {
				if got[id] != want {
					t.Errorf("%s = %d, want %d", id, got[id], want)
				}
			}
		})
	}
}

func TestCalculate_CoversRosterAndAnsweringPlayers(t *testing.T) {
	answers := &mockAnswers{answers: []model.Answer{answer("C", 0, "cat")}}
	c := New(answers, &mockQuestions{letters: map[int]string{1: "c"}}, newTestLogger())

	// the stored scores predate player B
	roster := rosterAt(1, model.StateWaiting, model.Scores{{PlayerID: "A", Nickname: "nick-A", Score: 2}}, nil)

	scores, err := c.Calculate(context.Background(), "G1", 1, roster)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	want := model.Scores{
		{PlayerID: "A", Nickname: "nick-A", Score: 2},
		{PlayerID: "B", Nickname: "nick-B", Score: 0},
		{PlayerID: "C", Nickname: "nick-C", Score: 1},
	}
	if len(scores) != len(want) {
		t.Fatalf("scores = %+v", scores)
	}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("scores[%d] = %+v, want %+v", i, scores[i], want[i])
		}
	}
}

func TestCalculate_NoAnswers(t *testing.T) {
	c := New(&mockAnswers{}, &mockQuestions{}, newTestLogger())
	roster := rosterAt(1, model.StateWaiting, model.Scores{{PlayerID: "A", Score: 2}, {PlayerID: "B", Score: 1}}, nil)

	scores, err := c.Calculate(context.Background(), "G1", 1, roster)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	got := scoreMap(scores)
	if got["A"] != 2 || got["B"] != 1 {
		t.Errorf("scores = %v", got)
	}
}

func TestCalculate_Errors(t *testing.T) {
	roster := rosterAt(1, model.StateWaiting, nil, nil)

	t.Run("answers unavailable", func(t *testing.T) {
		boom := errors.New("boom")
		c := New(&mockAnswers{err: boom}, &mockQuestions{}, newTestLogger())
		if _, err := c.Calculate(context.Background(), "G1", 1, roster); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	})

	t.Run("missing question", func(t *testing.T) {
		c := New(&mockAnswers{answers: []model.Answer{answer("A", 0, "cat")}}, &mockQuestions{}, newTestLogger())
		if _, err := c.Calculate(context.Background(), "G1", 1, roster); !errors.Is(err, model.ErrGameNotFound) {
			t.Fatalf("expected ErrGameNotFound, got %v", err)
		}
	})
}
