package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/servibot/servibot/internal/backend"
	"github.com/servibot/servibot/internal/guard"
	"github.com/servibot/servibot/internal/identity"
	"github.com/servibot/servibot/internal/intent"
	"github.com/servibot/servibot/internal/models"
	"github.com/servibot/servibot/internal/stage"
	"github.com/servibot/servibot/internal/store"
	"github.com/servibot/servibot/internal/tools"
)

type fixture struct {
	orch       *Orchestrator
	store      *store.InMemoryStore
	backend    *backend.MockBackend
	classifier *intent.MockClassifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewInMemoryStore(store.WithMergeFunc(stage.MergeStateWithStage))
	be := backend.NewMockBackend()
	cls := intent.NewMockClassifier()
	disp := tools.NewDispatcher(be, guard.New())
	orch := New(st, identity.NewNormalizer(), cls, disp, opts...)
	return &fixture{orch: orch, store: st, backend: be, classifier: cls}
}

func inbound(body string) models.InboundMessage {
	return models.InboundMessage{
		Channel: models.ChannelWhatsApp,
		From:    "+15551234567@s.whatsapp.net",
		Body:    body,
		Time:    time.Now().UTC(),
	}
}

func (f *fixture) session(t *testing.T) *models.Session {
	t.Helper()
	sess, err := f.store.GetOrCreate(context.Background(), models.ChannelWhatsApp, "15551234567", nil)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	return sess
}

func (f *fixture) seed(t *testing.T, patch map[string]any) {
	t.Helper()
	sess := f.session(t)
	if _, err := f.store.SetState(context.Background(), sess.ID, patch); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
}

func TestHandleMessageHumanHandoffPausesBot(t *testing.T) {
	f := newFixture(t)

	reply, err := f.orch.HandleMessage(context.Background(), inbound("I want to talk to a human please"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if reply != replyHandoffAck {
		t.Errorf("reply = %q, want handoff acknowledgement", reply)
	}
	if len(f.classifier.Requests) != 0 {
		t.Errorf("classifier consulted %d times, want 0 on handoff", len(f.classifier.Requests))
	}

	sess := f.session(t)
	if !stage.Flag(sess.State, models.StateKeyBotPaused) {
		t.Error("bot_paused not set after handoff")
	}
	if !stage.Flag(sess.State, models.StateKeyHumanRequested) {
		t.Error("human_requested not set after handoff")
	}
	if got := stage.Derive(sess.State); got != models.StageHandoffPaused {
		t.Errorf("stage = %q, want %q", got, models.StageHandoffPaused)
	}
}

func TestHandleMessagePausedHoldsUntilResume(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{models.StateKeyBotPaused: true, models.StateKeyHumanRequested: true})

	reply, err := f.orch.HandleMessage(context.Background(), inbound("hello? anyone there?"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if reply != replyPausedOrientation {
		t.Errorf("reply = %q, want paused orientation", reply)
	}
	if len(f.classifier.Requests) != 0 {
		t.Error("classifier consulted while paused")
	}

	reply, err = f.orch.HandleMessage(context.Background(), inbound("  /Resume "))
	if err != nil {
		t.Fatalf("HandleMessage(resume) error = %v", err)
	}
	if !strings.Contains(reply, replyResumeAck) {
		t.Errorf("reply = %q, want resume acknowledgement", reply)
	}

	sess := f.session(t)
	if stage.Flag(sess.State, models.StateKeyBotPaused) {
		t.Error("bot_paused still set after resume")
	}
	if stage.Flag(sess.State, models.StateKeyHumanRequested) {
		t.Error("human_requested still set after resume")
	}
}

func TestHandleMessageDeferralSoftCloses(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{models.StateKeyEquipment: "fridge", models.StateKeyQuoteDelivered: true})

	reply, err := f.orch.HandleMessage(context.Background(), inbound("I'll think about it, see you later"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if reply != replySoftClose {
		t.Errorf("reply = %q, want soft close", reply)
	}

	sess := f.session(t)
	if stage.Str(sess.State, models.StateKeySoftClosedAt) == "" {
		t.Error("soft_closed_at not recorded")
	}
	if got := stage.Derive(sess.State); got != models.StageQuoted {
		t.Errorf("stage = %q, want %q unchanged by deferral", got, models.StageQuoted)
	}
}

func TestHandleMessageActivityClearsDeferralMarker(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{models.StateKeyEquipment: "fridge"})

	if _, err := f.orch.HandleMessage(context.Background(), inbound("I'll think about it, see you later")); err != nil {
		t.Fatalf("HandleMessage(deferral) error = %v", err)
	}
	if stage.Str(f.session(t).State, models.StateKeySoftClosedAt) == "" {
		t.Fatal("soft_closed_at not recorded")
	}

	f.classifier.Decision = &models.Decision{Intent: models.IntentOther, Action: models.ActionCollectData}
	if _, err := f.orch.HandleMessage(context.Background(), inbound("actually, what's wrong is it won't cool")); err != nil {
		t.Fatalf("HandleMessage(return) error = %v", err)
	}

	// The customer came back; the deferral marker must not linger, or the
	// re-engagement sweep would nudge an active conversation.
	if got := stage.Str(f.session(t).State, models.StateKeySoftClosedAt); got != "" {
		t.Errorf("soft_closed_at = %q after renewed activity, want cleared", got)
	}
}

func TestHandleMessageGreetingOnlySkipsClassifier(t *testing.T) {
	f := newFixture(t)

	reply, err := f.orch.HandleMessage(context.Background(), inbound("Hi!"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, replyGreeting) {
		t.Errorf("reply = %q, want greeting", reply)
	}
	if len(f.classifier.Requests) != 0 {
		t.Errorf("classifier consulted %d times for bare greeting, want 0", len(f.classifier.Requests))
	}
}

func TestHandleMessageGreetingWithEquipmentGoesToClassifier(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{models.StateKeyEquipment: "oven"})

	if _, err := f.orch.HandleMessage(context.Background(), inbound("Hello")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if len(f.classifier.Requests) != 1 {
		t.Errorf("classifier consulted %d times, want 1 once equipment is known", len(f.classifier.Requests))
	}
}

func TestHandleMessageClassifierFailureLeavesStageUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{models.StateKeyEquipment: "washer", models.StateKeyQuoteDelivered: true})
	f.classifier.Err = errors.New("upstream timeout")

	before := f.session(t)
	reply, err := f.orch.HandleMessage(context.Background(), inbound("can you come tomorrow?"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, replyFallback) {
		t.Errorf("reply = %q, want fallback text", reply)
	}

	after := f.session(t)
	if got, want := stage.Derive(after.State), stage.Derive(before.State); got != want {
		t.Errorf("stage = %q, want %q after classifier failure", got, want)
	}
	if stage.Flag(after.State, models.StateKeyBotPaused) {
		t.Error("classifier failure must not pause the bot")
	}
}

func TestHandleMessageToolFailureFallsBackWithoutStageChange(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{models.StateKeyEquipment: "fridge"})
	f.classifier.Decision = &models.Decision{
		Intent: models.IntentQuote,
		Action: models.ActionGenerateQuote,
	}
	f.backend.QuoteFunc = func(ctx context.Context, in models.QuoteInput) (*models.QuoteResult, error) {
		return nil, errors.New("backend down")
	}

	reply, err := f.orch.HandleMessage(context.Background(), inbound("how much would that cost?"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, replyFallback) {
		t.Errorf("reply = %q, want fallback text", reply)
	}

	sess := f.session(t)
	if stage.Flag(sess.State, models.StateKeyQuoteDelivered) {
		t.Error("quote_delivered set despite tool failure")
	}
}

func TestHandleMessageQuoteDeliveredAdvancesStage(t *testing.T) {
	f := newFixture(t)
	f.classifier.Decision = &models.Decision{
		Intent: models.IntentQuote,
		Action: models.ActionGenerateQuote,
		Fields: models.ExtractedFields{Equipment: "fridge", Problem: "not cooling"},
	}
	f.backend.QuoteFunc = func(ctx context.Context, in models.QuoteInput) (*models.QuoteResult, error) {
		if in.Equipment != "fridge" {
			t.Errorf("quote equipment = %q, want fridge", in.Equipment)
		}
		return &models.QuoteResult{AmountMin: 60, AmountMax: 120, Currency: "EUR"}, nil
	}

	reply, err := f.orch.HandleMessage(context.Background(), inbound("my fridge stopped cooling, how much to fix?"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "60-120 EUR") {
		t.Errorf("reply = %q, want quoted range", reply)
	}

	sess := f.session(t)
	if got := stage.Derive(sess.State); got != models.StageQuoted {
		t.Errorf("stage = %q, want %q", got, models.StageQuoted)
	}
	if stage.Str(sess.State, models.StateKeyProblem) != "not cooling" {
		t.Error("extracted problem not persisted")
	}
}

func TestHandleMessageEquipmentSwitchConfirmAndApply(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{models.StateKeyEquipment: "fridge", models.StateKeyQuoteDelivered: true})
	f.classifier.Decision = &models.Decision{
		Intent: models.IntentQuote,
		Action: models.ActionGenerateQuote,
		Fields: models.ExtractedFields{Equipment: "dishwasher"},
	}

	reply, err := f.orch.HandleMessage(context.Background(), inbound("actually it's the dishwasher that's broken"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "dishwasher") || !strings.Contains(reply, "fridge") {
		t.Errorf("reply = %q, want switch proposal naming both", reply)
	}

	sess := f.session(t)
	if got := stage.Str(sess.State, models.StateKeyEquipment); got != "fridge" {
		t.Errorf("equipment = %q, want fridge before confirmation", got)
	}
	if got := stage.Str(sess.State, models.StateKeyPendingEquipmentSwitch); got != "dishwasher" {
		t.Errorf("pending switch = %q, want dishwasher", got)
	}

	f.classifier.Decision = &models.Decision{Intent: models.IntentOther, Action: models.ActionCollectData}
	if _, err := f.orch.HandleMessage(context.Background(), inbound("yes please")); err != nil {
		t.Fatalf("HandleMessage(confirm) error = %v", err)
	}

	sess = f.session(t)
	if got := stage.Str(sess.State, models.StateKeyEquipment); got != "dishwasher" {
		t.Errorf("equipment = %q, want dishwasher after confirmation", got)
	}
	if stage.Str(sess.State, models.StateKeyPendingEquipmentSwitch) != "" {
		t.Error("pending switch not cleared")
	}
	if stage.Flag(sess.State, models.StateKeyQuoteDelivered) {
		t.Error("stale quote flag survived the equipment switch")
	}
}

func TestHandleMessageEquipmentSwitchDiscard(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{
		models.StateKeyEquipment:              "fridge",
		models.StateKeyPendingEquipmentSwitch: "oven",
		models.StateKeyQuoteDelivered:         true,
	})

	reply, err := f.orch.HandleMessage(context.Background(), inbound("no, keep the fridge"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "fridge") {
		t.Errorf("reply = %q, want discard confirmation naming fridge", reply)
	}

	sess := f.session(t)
	if got := stage.Str(sess.State, models.StateKeyEquipment); got != "fridge" {
		t.Errorf("equipment = %q, want fridge", got)
	}
	if stage.Str(sess.State, models.StateKeyPendingEquipmentSwitch) != "" {
		t.Error("pending switch not cleared after rejection")
	}
	// The quote was for the kept equipment; rejecting the switch keeps it.
	if !stage.Flag(sess.State, models.StateKeyQuoteDelivered) {
		t.Error("delivered-quote flag lost on switch rejection")
	}
}

func TestHandleMessageInstallationModeClearedByRepairVocabulary(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{
		models.StateKeyEquipment:        "cooktop",
		models.StateKeyInstallationMode: true,
	})

	if _, err := f.orch.HandleMessage(context.Background(), inbound("it's not an installation, mine is broken and leaking")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	sess := f.session(t)
	if stage.Flag(sess.State, models.StateKeyInstallationMode) {
		t.Error("installation_mode still set after repair clarification")
	}
}

func TestHandleMessageSchedulingOffersSlotsThenBooks(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{
		models.StateKeyEquipment:      "fridge",
		models.StateKeyQuoteDelivered: true,
		models.StateKeyName:           "Dana",
		models.StateKeyAddress:        "12 Oak St",
	})
	f.classifier.Decision = &models.Decision{
		Intent: models.IntentSchedule,
		Action: models.ActionScheduleService,
	}
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	f.backend.AvailabilityFunc = func(ctx context.Context, in models.AvailabilityInput) (*models.AvailabilityResult, error) {
		return &models.AvailabilityResult{Slots: []models.Slot{
			{ID: "slot-1", Start: start, End: start.Add(2 * time.Hour)},
			{ID: "slot-2", Start: start.Add(24 * time.Hour), End: start.Add(26 * time.Hour)},
		}}, nil
	}
	f.backend.CreateFunc = func(ctx context.Context, in models.CreateAppointmentInput) (*models.CreateAppointmentResult, error) {
		if in.SlotID != "slot-2" {
			t.Errorf("booked slot = %q, want slot-2", in.SlotID)
		}
		return &models.CreateAppointmentResult{AppointmentID: "apt-77", Start: start.Add(24 * time.Hour)}, nil
	}

	reply, err := f.orch.HandleMessage(context.Background(), inbound("let's book the visit"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "1)") || !strings.Contains(reply, "2)") {
		t.Errorf("reply = %q, want numbered slot list", reply)
	}

	sess := f.session(t)
	if got := stage.Derive(sess.State); got != models.StageConfirmingSlot {
		t.Errorf("stage = %q, want %q", got, models.StageConfirmingSlot)
	}

	reply, err = f.orch.HandleMessage(context.Background(), inbound("the 2nd one"))
	if err != nil {
		t.Fatalf("HandleMessage(select) error = %v", err)
	}
	if !strings.Contains(reply, "booked") {
		t.Errorf("reply = %q, want booking confirmation", reply)
	}

	sess = f.session(t)
	if got := stage.Str(sess.State, models.StateKeyAppointmentID); got != "apt-77" {
		t.Errorf("appointment_id = %q, want apt-77", got)
	}
	if got := stage.Derive(sess.State); got != models.StageScheduled {
		t.Errorf("stage = %q, want %q", got, models.StageScheduled)
	}
	if stage.Flag(sess.State, models.StateKeySlotSelectionPending) {
		t.Error("slot_selection_pending survived booking")
	}
}

func TestHandleMessageSchedulingCollectsPersonalDataFirst(t *testing.T) {
	f := newFixture(t)
	f.seed(t, map[string]any{models.StateKeyEquipment: "oven", models.StateKeyQuoteDelivered: true})
	f.classifier.Decision = &models.Decision{
		Intent: models.IntentSchedule,
		Action: models.ActionScheduleService,
	}

	reply, err := f.orch.HandleMessage(context.Background(), inbound("sounds good, book it"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(strings.ToLower(reply), "name") {
		t.Errorf("reply = %q, want a name prompt", reply)
	}
	if len(f.backend.Calls) != 0 {
		t.Errorf("backend called %v before personal data collected", f.backend.Calls)
	}

	sess := f.session(t)
	if got := stage.Derive(sess.State); got != models.StageCollectingPersonal {
		t.Errorf("stage = %q, want %q", got, models.StageCollectingPersonal)
	}

	f.classifier.Decision = &models.Decision{Intent: models.IntentSchedule, Action: models.ActionCollectData}
	if _, err := f.orch.HandleMessage(context.Background(), inbound("Dana Reyes")); err != nil {
		t.Fatalf("HandleMessage(name) error = %v", err)
	}
	sess = f.session(t)
	if got := stage.Str(sess.State, models.StateKeyName); got != "Dana Reyes" {
		t.Errorf("name = %q, want Dana Reyes", got)
	}
}

func TestHandleMessageStatusIntentCallsOrderStatus(t *testing.T) {
	f := newFixture(t)
	f.classifier.Decision = &models.Decision{
		Intent: models.IntentStatus,
		Action: models.ActionAnswerInfo,
	}
	f.backend.StatusFunc = func(ctx context.Context, in models.OrderStatusInput) (*models.OrderStatusResult, error) {
		return &models.OrderStatusResult{OrderRef: "ord-1", Status: "in_progress", Detail: "Technician assigned"}, nil
	}

	reply, err := f.orch.HandleMessage(context.Background(), inbound("what's the status of my repair order?"))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(reply, "in progress") || !strings.Contains(reply, "Technician assigned") {
		t.Errorf("reply = %q, want status with detail", reply)
	}
}

func TestHandleMessagePersistsBoundedHistory(t *testing.T) {
	f := newFixture(t, WithHistoryLimit(4))

	for _, body := range []string{"my oven is broken", "it's a Bosch", "the door", "since monday"} {
		if _, err := f.orch.HandleMessage(context.Background(), inbound(body)); err != nil {
			t.Fatalf("HandleMessage(%q) error = %v", body, err)
		}
	}

	sess := f.session(t)
	history := historyFromState(sess.State)
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4 (bounded)", len(history))
	}
	if history[len(history)-2].Content != "since monday" {
		t.Errorf("penultimate entry = %q, want last user message", history[len(history)-2].Content)
	}
	if history[len(history)-1].Role != "assistant" {
		t.Errorf("final entry role = %q, want assistant", history[len(history)-1].Role)
	}
}

func TestHandleMessageChainDirectiveReachesClassifier(t *testing.T) {
	rules := []models.ChainRule{{
		ID:           "cooktop-brands",
		Enabled:      true,
		Terms:        []string{"cooktop"},
		AllowedTools: []string{"quote"},
		BoostBlocks:  []string{"cooktop-faq"},
	}}
	f := newFixture(t, WithChainRules(rules))

	if _, err := f.orch.HandleMessage(context.Background(), inbound("my cooktop won't ignite")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if len(f.classifier.Requests) != 1 {
		t.Fatalf("classifier consulted %d times, want 1", len(f.classifier.Requests))
	}
	directive := f.classifier.Requests[0].Directive
	if directive.IsZero() {
		t.Fatal("directive empty, want activated chain rule")
	}
	if len(directive.AllowedTools) != 1 || directive.AllowedTools[0] != "quote" {
		t.Errorf("directive.AllowedTools = %v, want [quote]", directive.AllowedTools)
	}
}

func TestSelectedSlot(t *testing.T) {
	cases := []struct {
		body  string
		count int
		idx   int
		ok    bool
	}{
		{"1", 3, 0, true},
		{"the 2nd one", 3, 1, true},
		{"3.", 3, 2, true},
		{"4", 3, 0, false},
		{"yes", 1, 0, true},
		{"yes", 2, 0, false},
		{"whenever", 3, 0, false},
	}
	for _, tc := range cases {
		idx, ok := selectedSlot(tc.body, tc.count)
		if idx != tc.idx || ok != tc.ok {
			t.Errorf("selectedSlot(%q, %d) = (%d, %v), want (%d, %v)", tc.body, tc.count, idx, ok, tc.idx, tc.ok)
		}
	}
}
