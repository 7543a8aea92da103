package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"study-ai/internal/apperr"
	"study-ai/internal/events"
	"study-ai/internal/logger"
	"study-ai/internal/models"
)

const quizTestChunk = 40

// chunkTag pulls the two-letter tag chunkText puts at the start of each chunk.
func chunkTag(prompt string) string {
	_, material, ok := strings.Cut(prompt, "STUDY MATERIAL:\n")
	if !ok || len(material) < 2 {
		return "??"
	}
	return material[:2]
}

func mcqFor(tag string) string {
	return fmt.Sprintf(`{"question":"What is %[1]s?","options":["%[1]s-1","%[1]s-2","%[1]s-3","%[1]s-4"],"correct_answer":"%[1]s-1"}`, tag)
}

// taggedMCQ answers every prompt with a valid question about its chunk.
func taggedMCQ(_ int, prompt string) (string, error) {
	return mcqFor(chunkTag(prompt)), nil
}

func newQuizFixture(t *testing.T, chunks int, fn func(int, string) (string, error)) (*QuizService, *scriptedAI, models.Owner, *capturedEvents) {
	t.Helper()
	conn := openTestDB(t)
	owner := seedDocument(t, conn, "u1", chunkText(chunks, quizTestChunk))
	ai := &scriptedAI{fn: fn}
	pub := &capturedEvents{}
	docs := NewDocumentService(conn, t.TempDir(), 0)
	svc := NewQuizService(conn, ai, docs, pub, logger.Nop(), QuizConfig{ChunkSize: quizTestChunk, MaxQuestions: 10})
	return svc, ai, owner, pub
}

func chunkIDs(qs []models.QuizQuestion) []int {
	out := make([]int, len(qs))
	for i, q := range qs {
		out[i] = q.ChunkID
	}
	return out
}

func TestQuizGenerateUsesEachChunkOnce(t *testing.T) {
	svc, ai, owner, pub := newQuizFixture(t, 5, taggedMCQ)
	ctx := context.Background()

	first, err := svc.Generate(ctx, owner, 3)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := chunkIDs(first); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Fatalf("first round chunks = %v", got)
	}

	second, err := svc.Generate(ctx, owner, 10)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := chunkIDs(second); !reflect.DeepEqual(got, []int{3, 4}) {
		t.Fatalf("second round chunks = %v", got)
	}

	third, err := svc.Generate(ctx, owner, 10)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(third) != 0 {
		t.Fatalf("exhausted session should yield nothing, got %v", chunkIDs(third))
	}
	if ai.calls() != 5 {
		t.Fatalf("expected one model call per chunk, got %d", ai.calls())
	}

	session, err := svc.Session(ctx, owner)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !reflect.DeepEqual(session.UsedChunkIDs, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("used chunks = %v", session.UsedChunkIDs)
	}

	all, err := svc.Questions(ctx, owner)
	if err != nil {
		t.Fatalf("Questions: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("stored questions = %d", len(all))
	}
	if all[0].Question != "What is Ca?" || len(all[0].Options) != 4 || all[0].CorrectAnswer != "Ca-1" {
		t.Fatalf("unexpected first question: %+v", all[0])
	}
	if got := pub.types(); len(got) != 2 || got[0] != events.QuizGenerated {
		t.Fatalf("events = %v", got)
	}
}

func TestQuizPromptListsPreviousQuestions(t *testing.T) {
	svc, ai, owner, _ := newQuizFixture(t, 2, taggedMCQ)
	if _, err := svc.Generate(context.Background(), owner, 2); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(ai.prompt(0), "QUESTIONS TO AVOID (DO NOT REPEAT OR PARAPHRASE):\nNone") {
		t.Fatal("first prompt should list no previous questions")
	}
	if !strings.Contains(ai.prompt(1), "1. What is Ca?") {
		t.Fatalf("second prompt should list the first question:\n%s", ai.prompt(1))
	}
}

func TestQuizRejectsInvalidQuestions(t *testing.T) {
	fn := func(_ int, prompt string) (string, error) {
		switch tag := chunkTag(prompt); tag {
		case "Ca":
			return mcqFor(tag), nil
		case "Cb":
			return `{"question":"Three options?","options":["a","b","c"],"correct_answer":"a"}`, nil
		case "Cc":
			return `{"question":"Wrong answer?","options":["a","b","c","d"],"correct_answer":"e"}`, nil
		case "Cd":
			return mcqFor("Ca"), nil
		case "Ce":
			return "no json at all", nil
		default:
			return `{"question":"","options":["a","b","c","d"],"correct_answer":"a"}`, nil
		}
	}
	svc, ai, owner, _ := newQuizFixture(t, 6, fn)
	ctx := context.Background()

	qs, err := svc.Generate(ctx, owner, 10)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := chunkIDs(qs); !reflect.DeepEqual(got, []int{0}) {
		t.Fatalf("accepted chunks = %v", got)
	}
	if ai.calls() != 6 {
		t.Fatalf("every chunk should be tried, got %d calls", ai.calls())
	}

	session, _ := svc.Session(ctx, owner)
	if !reflect.DeepEqual(session.UsedChunkIDs, []int{0}) {
		t.Fatalf("rejected chunks must stay unused, got %v", session.UsedChunkIDs)
	}

	// Rejected chunks are retried on the next call.
	if _, err := svc.Generate(ctx, owner, 10); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if ai.calls() != 11 {
		t.Fatalf("expected the five unused chunks to be retried, total calls %d", ai.calls())
	}
}

func TestParseQuestion(t *testing.T) {
	valid := "<s>```json\n" + mcqFor("Xy") + "\n```</s>"
	d, err := parseQuestion(valid, nil)
	if err != nil {
		t.Fatalf("parseQuestion: %v", err)
	}
	if d.Question != "What is Xy?" || d.CorrectAnswer != "Xy-1" {
		t.Fatalf("unexpected draft: %+v", d)
	}

	if _, err := parseQuestion(valid, []string{"  what is xy? "}); !errors.Is(err, errRejectedQuestion) {
		t.Fatalf("duplicate should be rejected, got %v", err)
	}
	if _, err := parseQuestion(`["a","b"]`, nil); !errors.Is(err, errRejectedQuestion) {
		t.Fatalf("array should be rejected, got %v", err)
	}
}

func TestQuizRegeneratePurgesSession(t *testing.T) {
	svc, _, owner, pub := newQuizFixture(t, 3, taggedMCQ)
	ctx := context.Background()

	qs, err := svc.Generate(ctx, owner, 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := svc.Submit(ctx, owner, []models.Answer{{QuestionID: qs[0].ID, SelectedAnswer: "Ca-1"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fresh, err := svc.Regenerate(ctx, owner, 2)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if got := chunkIDs(fresh); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("regenerated chunks = %v", got)
	}

	all, _ := svc.Questions(ctx, owner)
	if len(all) != 2 || all[0].ID == qs[0].ID {
		t.Fatalf("old questions should be gone: %+v", all)
	}
	report, err := svc.Score(ctx, owner)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.Attempted != 0 || len(report.Details) != 0 || report.TotalQuestions != 2 {
		t.Fatalf("submissions should be purged: %+v", report)
	}
	if !slices.Contains(pub.types(), events.QuizRegenerated) {
		t.Fatalf("missing regenerate event: %v", pub.types())
	}
}

func TestQuizRegenerateWithoutSession(t *testing.T) {
	svc, _, owner, _ := newQuizFixture(t, 2, taggedMCQ)
	qs, err := svc.Regenerate(context.Background(), owner, 0)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if len(qs) != 2 {
		t.Fatalf("expected a fresh quiz, got %d questions", len(qs))
	}
}

func TestQuizScore(t *testing.T) {
	fn := replies(
		`{"question":"Capital of France?","options":["Paris","London","Rome","Berlin"],"correct_answer":"Paris"}`,
		`{"question":"6 x 7?","options":["40","41","42","43"],"correct_answer":"42"}`,
	)
	svc, _, owner, _ := newQuizFixture(t, 2, fn)
	ctx := context.Background()

	qs, err := svc.Generate(ctx, owner, 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(qs) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(qs))
	}

	n, err := svc.Submit(ctx, owner, []models.Answer{
		{QuestionID: qs[0].ID, SelectedAnswer: "Paris"},
		{QuestionID: qs[1].ID, SelectedAnswer: "41"},
	})
	if err != nil || n != 2 {
		t.Fatalf("Submit = %d, %v", n, err)
	}

	report, err := svc.Score(ctx, owner)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.TotalQuestions != 2 || report.Attempted != 2 || report.Correct != 1 || report.Score != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Percentage != 50 {
		t.Fatalf("percentage = %v", report.Percentage)
	}
	if !report.Details[0].IsCorrect || report.Details[1].IsCorrect || report.Details[1].CorrectAnswer != "42" {
		t.Fatalf("unexpected details: %+v", report.Details)
	}
}

func TestQuizScoreMatchesAnswersExactly(t *testing.T) {
	fn := replies(
		`{"question":"Capital of France?","options":["Paris","London","Rome","Berlin"],"correct_answer":"Paris"}`,
		`{"question":"Largest planet?","options":["Mars","Jupiter","Venus","Earth"],"correct_answer":"Jupiter"}`,
	)
	svc, _, owner, _ := newQuizFixture(t, 2, fn)
	ctx := context.Background()

	qs, err := svc.Generate(ctx, owner, 2)
	if err != nil || len(qs) != 2 {
		t.Fatalf("Generate = %d, %v", len(qs), err)
	}
	if qs[0].ID == 0 || qs[1].ID <= qs[0].ID {
		t.Fatalf("stored questions need their row ids: %d, %d", qs[0].ID, qs[1].ID)
	}
	if _, err := svc.Submit(ctx, owner, []models.Answer{
		{QuestionID: qs[0].ID, SelectedAnswer: " Paris"},
		{QuestionID: qs[1].ID, SelectedAnswer: "jupiter"},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	report, err := svc.Score(ctx, owner)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if report.Correct != 0 || report.Attempted != 2 {
		t.Fatalf("padded or recased answers must not score: %+v", report)
	}
	if report.Details[0].SelectedAnswer != " Paris" {
		t.Fatalf("submitted text should be stored unchanged, got %q", report.Details[0].SelectedAnswer)
	}
}

func TestScoreReportLatestSubmissionWins(t *testing.T) {
	questions := []models.QuizQuestion{
		{ID: 1, CorrectAnswer: "A"},
		{ID: 2, CorrectAnswer: "B"},
		{ID: 3, CorrectAnswer: "C"},
	}
	subs := []models.QuizSubmission{
		{QuestionID: 1, SelectedAnswer: "X"},
		{QuestionID: 2, SelectedAnswer: "B"},
		{QuestionID: 99, SelectedAnswer: "Z"},
		{QuestionID: 1, SelectedAnswer: "A"},
	}
	report := scoreReport(questions, subs)
	if report.TotalQuestions != 3 || report.Attempted != 2 || report.Correct != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Details) != 3 {
		t.Fatalf("details = %+v", report.Details)
	}
	if d := report.Details[0]; d.QuestionID != 1 || d.SelectedAnswer != "A" || !d.IsCorrect {
		t.Fatalf("latest answer should count: %+v", d)
	}
	if d := report.Details[2]; d.QuestionID != 99 || d.Error != "question not found" || d.IsCorrect {
		t.Fatalf("orphan detail = %+v", d)
	}
	if report.Percentage != 66.67 {
		t.Fatalf("percentage = %v", report.Percentage)
	}

	empty := scoreReport(nil, nil)
	if empty.TotalQuestions != 0 || empty.Percentage != 0 || empty.Details == nil {
		t.Fatalf("empty report = %+v", empty)
	}
}

func TestQuizWithoutSession(t *testing.T) {
	svc, _, owner, _ := newQuizFixture(t, 1, taggedMCQ)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, owner, []models.Answer{{QuestionID: 1, SelectedAnswer: "a"}}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Submit without session: %v", err)
	}
	if _, err := svc.Score(ctx, owner); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Score without session: %v", err)
	}
	qs, err := svc.Questions(ctx, owner)
	if err != nil || len(qs) != 0 {
		t.Fatalf("Questions without session = %v, %v", qs, err)
	}
}

func TestQuizOtherUsersDocument(t *testing.T) {
	svc, ai, owner, _ := newQuizFixture(t, 1, taggedMCQ)
	stranger := models.Owner{DocumentID: owner.DocumentID, UserID: "someone-else"}
	if _, err := svc.Generate(context.Background(), stranger, 1); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if ai.calls() != 0 {
		t.Fatal("no model call should be made for a foreign document")
	}
}

func TestQuizGatewayFailureKeepsStoredQuestions(t *testing.T) {
	fn := func(call int, prompt string) (string, error) {
		if call == 2 {
			return "", fmt.Errorf("%w: rate limited", apperr.ErrGenerationFailed)
		}
		return mcqFor(chunkTag(prompt)), nil
	}
	svc, _, owner, _ := newQuizFixture(t, 4, fn)
	ctx := context.Background()

	qs, err := svc.Generate(ctx, owner, 10)
	if !errors.Is(err, apperr.ErrGenerationFailed) {
		t.Fatalf("expected generation failure, got %v", err)
	}
	if got := chunkIDs(qs); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("partial questions = %v", got)
	}
	session, _ := svc.Session(ctx, owner)
	if !reflect.DeepEqual(session.UsedChunkIDs, []int{0, 1}) {
		t.Fatalf("used chunks = %v", session.UsedChunkIDs)
	}

	rest, err := svc.Generate(ctx, owner, 10)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := chunkIDs(rest); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("retry chunks = %v", got)
	}
}

func TestQuizConcurrentGenerate(t *testing.T) {
	svc, _, owner, _ := newQuizFixture(t, 6, taggedMCQ)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Generate(ctx, owner, 2); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Generate: %v", err)
	}

	all, err := svc.Questions(ctx, owner)
	if err != nil {
		t.Fatalf("Questions: %v", err)
	}
	ids := chunkIDs(all)
	slices.Sort(ids)
	if !reflect.DeepEqual(ids, []int{0, 1, 2, 3, 4, 5}) {
		t.Fatalf("each chunk should appear exactly once, got %v", ids)
	}
	if svc.locks.held() != 0 {
		t.Fatalf("locks leaked: %d", svc.locks.held())
	}
}
