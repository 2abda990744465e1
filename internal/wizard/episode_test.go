package wizard

import (
	"context"
	"errors"
	"testing"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/testutil"
)

func fixedSeries(planned, count int) *models.Series {
	return &models.Series{
		ID:              "s1",
		UserID:          "u1",
		Mode:            models.EpisodeLimitFixed,
		PlannedEpisodes: planned,
		EpisodeCount:    count,
		DefaultLength:   models.StoryLengthLong,
	}
}

func TestNewEpisodeSessionOwnership(t *testing.T) {
	if _, err := NewEpisodeSession("u2", fixedSeries(3, 1)); !errors.Is(err, ErrSeriesNotFound) {
		t.Errorf("foreign series: %v", err)
	}
	if _, err := NewEpisodeSession("u1", nil); !errors.Is(err, ErrSeriesNotFound) {
		t.Errorf("missing series: %v", err)
	}
	e, err := NewEpisodeSession("u1", fixedSeries(3, 1))
	if err != nil {
		t.Fatal(err)
	}
	if e.Length != models.StoryLengthLong {
		t.Errorf("length should default to the series default, got %s", e.Length)
	}
}

func TestLastFixedEpisodeIsAlwaysFinal(t *testing.T) {
	for _, makeFinal := range []bool{false, true} {
		e, err := NewEpisodeSession("u1", fixedSeries(3, 2))
		if err != nil {
			t.Fatal(err)
		}
		e.MakeFinal = makeFinal
		if e.NextEpisodeNumber() != 3 || !e.IsLastFixedEpisode() {
			t.Fatalf("next = %d", e.NextEpisodeNumber())
		}
		if p := e.Payload("k", false); !p.MakeFinal || p.EpisodeNumber != 3 {
			t.Errorf("makeFinal=%v: payload = %+v", makeFinal, p)
		}
	}
}

func TestFinalToggleOnlyForUnlimited(t *testing.T) {
	fixed, _ := NewEpisodeSession("u1", fixedSeries(5, 1))
	fixed.MakeFinal = true
	if fixed.CanToggleFinal() || fixed.EffectiveFinal() {
		t.Error("fixed series before the last episode ignores the toggle")
	}

	unlimited, _ := NewEpisodeSession("u1", &models.Series{ID: "s2", UserID: "u1", Mode: models.EpisodeLimitUnlimited, EpisodeCount: 7})
	if !unlimited.CanToggleFinal() || unlimited.EffectiveFinal() {
		t.Error("unlimited series defaults to not final")
	}
	unlimited.MakeFinal = true
	if !unlimited.EffectiveFinal() || unlimited.NextEpisodeNumber() != 8 {
		t.Errorf("unlimited final = %v, next = %d", unlimited.EffectiveFinal(), unlimited.NextEpisodeNumber())
	}
}

func TestCompletedSeriesRejected(t *testing.T) {
	done, _ := NewEpisodeSession("u1", fixedSeries(3, 3))
	requireKind(t, done.Validate(), SeriesComplete)

	finished, _ := NewEpisodeSession("u1", &models.Series{ID: "s3", UserID: "u1", Mode: models.EpisodeLimitUnlimited, IsFinished: true})
	requireKind(t, finished.Validate(), SeriesComplete)
}

func TestEpisodeApply(t *testing.T) {
	e, _ := NewEpisodeSession("u1", fixedSeries(3, 0))
	if err := e.Apply(EpisodeInput{MoralID: testutil.String("none"), Length: "kurz", GenerateImages: true}); err != nil {
		t.Fatal(err)
	}
	if e.MoralID != nil {
		t.Errorf("the none sentinel means no moral, got %q", *e.MoralID)
	}
	if e.Length != models.StoryLengthShort || e.Cost() != 2 {
		t.Errorf("length = %s, cost = %d", e.Length, e.Cost())
	}
	if err := e.Apply(EpisodeInput{Length: "epic"}); !errors.Is(err, models.ErrInvalidStoryLength) {
		t.Errorf("err = %v", err)
	}
}

func TestFinalizeEpisodeFixedFinal(t *testing.T) {
	log := &testutil.CallLog{}
	gw := testutil.NewFakeGateway(1, log)
	sink := testutil.NewFakeSink("r9", log)
	sink.StoryID = "story-3"
	f := NewFinalizer(gw, sink)

	e, _ := NewEpisodeSession("u1", fixedSeries(3, 2))
	if err := e.Apply(EpisodeInput{Length: "normal", MakeFinal: false}); err != nil {
		t.Fatal(err)
	}
	res, err := f.FinalizeEpisode(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if res.RequestID != "r9" || res.StoryID != "story-3" {
		t.Errorf("result = %+v", res)
	}
	if len(sink.Episodes) != 1 || !sink.Episodes[0].MakeFinal || sink.SeriesOf[0] != "s1" {
		t.Errorf("episodes = %+v", sink.Episodes)
	}
	if got := log.Methods(); len(got) != 3 || got[2] != "SubmitEpisode" {
		t.Errorf("calls = %v", got)
	}
}

func TestFinalizeEpisodeEntitlement(t *testing.T) {
	log := &testutil.CallLog{}
	f := NewFinalizer(testutil.NewFakeGateway(0, log), testutil.NewFakeSink("r1", log))
	e, _ := NewEpisodeSession("u1", fixedSeries(3, 0))

	var insufficient *InsufficientCreditsError
	if _, err := f.FinalizeEpisode(context.Background(), e); !errors.As(err, &insufficient) {
		t.Fatalf("err = %v", err)
	}
	for _, m := range log.Methods() {
		if m == "SubmitEpisode" {
			t.Error("episode submitted without credits")
		}
	}
}

func TestFinalizeEpisodeCompleteSeriesMakesNoCalls(t *testing.T) {
	log := &testutil.CallLog{}
	f := NewFinalizer(testutil.NewFakeGateway(4, log), testutil.NewFakeSink("r1", log))
	e, _ := NewEpisodeSession("u1", fixedSeries(2, 2))

	_, err := f.FinalizeEpisode(context.Background(), e)
	requireKind(t, err, SeriesComplete)
	if len(log.Calls()) != 0 {
		t.Errorf("calls = %v", log.Methods())
	}
}
