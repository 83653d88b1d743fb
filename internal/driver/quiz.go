package driver

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whatsthattune/clipworks/internal/store"
)

// Quiz assembly: one auto-generated game per run, a question per finished
// song, wrong options drawn from the other songs' titles.
const (
	minQuizSongs    = 3
	quizOptionCount = 6
	quizDifficulty  = "medium"
	quizPrompt      = "What is the title of this song?"
)

// fillerTitles pad the option pool when a run produced too few distinct
// titles for a full set of wrong answers.
var fillerTitles = []string{
	"Unknown Song A", "Unknown Song B", "Unknown Song C",
	"Mystery Track", "Hidden Gem", "Secret Song",
}

// persistQuiz records the run's auto-generated game and questions in one
// all-or-nothing batch. Runs with too few finished songs produce no game.
func (r *Runner) persistQuiz(ctx context.Context, job Job, songs []store.Song, correlationID string, logger *zap.Logger) {
	batch, ok := buildQuizBatch(job.OwnerID, songs, r.clk.Now())
	if !ok {
		if len(songs) > 0 {
			logger.Info("too few songs for a quiz", zap.Int("songs", len(songs)))
		}
		return
	}
	r.persist(ctx, batch, job.OwnerID, correlationID, logger)
	logger.Info("quiz game recorded", zap.Int("questions", len(songs)))
}

// buildQuizBatch assembles the game row and its question rows. The second
// return is false when fewer than minQuizSongs songs finished.
func buildQuizBatch(ownerID string, songs []store.Song, now time.Time) (store.InsertBatch, bool) {
	if len(songs) < minQuizSongs {
		return store.InsertBatch{}, false
	}
	game := store.Game{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Name:          "Auto Generated Quiz",
		Description:   fmt.Sprintf("Generated from %d clips", len(songs)),
		Difficulty:    quizDifficulty,
		QuestionCount: len(songs),
		CreatedAt:     now,
	}
	records := make([]store.Record, 0, len(songs)+1)
	records = append(records, game)
	for _, song := range songs {
		records = append(records, store.Question{
			ID:            uuid.New(),
			GameID:        game.ID,
			ClipPath:      song.ClipPath,
			Prompt:        quizPrompt,
			CorrectAnswer: song.Title,
			Options:       buildOptions(song.Title, songs),
			Artist:        song.Artist,
			Album:         song.Album,
		})
	}
	return store.InsertBatch{Records: records}, true
}

// buildOptions mixes the correct title into a shuffled set of wrong ones
// taken from the run's other songs, padded with fillers on small runs.
func buildOptions(correct string, songs []store.Song) []string {
	var wrong []string
	for _, song := range songs {
		if song.Title != correct {
			wrong = append(wrong, song.Title)
		}
	}
	if len(wrong) < quizOptionCount-1 {
		wrong = append(wrong, fillerTitles...)
	}
	rand.Shuffle(len(wrong), func(i, j int) { wrong[i], wrong[j] = wrong[j], wrong[i] })
	if len(wrong) > quizOptionCount-1 {
		wrong = wrong[:quizOptionCount-1]
	}
	options := append(wrong, correct)
	rand.Shuffle(len(options), func(i, j int) { options[i], options[j] = options[j], options[i] })
	return options
}
