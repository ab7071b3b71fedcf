package costengine

// RateCardStatus governs which entries apply: only Active entries are
// consulted when resolving a rate, per spec §3's "Provider rate card".
type RateCardStatus string

const (
	StatusActive    RateCardStatus = "Active"
	StatusSuperseded RateCardStatus = "Superseded"
)

// UnitType labels what a rate is denominated in, reported on every
// CostResult so callers don't have to infer it from the operation.
type UnitType string

const (
	UnitPerMinute      UnitType = "per_minute"
	UnitPerCharacter   UnitType = "per_character"
	UnitPer1kCharacters UnitType = "per_1k_characters"
	UnitPerToken       UnitType = "per_token"
)

// Operation tags which pricing shape applies.
type Operation string

const (
	OpTranscription Operation = "transcription"
	OpTTS           Operation = "tts"
	OpRealtime      Operation = "realtime"
)

// rateCardKey identifies a (provider, operation, model) triple. Each of the
// three operation shapes below is keyed by rateCardKey; Status on each
// entry governs whether it's consulted during resolution.
type rateCardKey struct {
	Provider  string
	Operation Operation
	Model     string
}

// TranscriptionRate is a simple per-minute rate.
type TranscriptionRate struct {
	RatePerMinute Money
	Status        RateCardStatus
}

// TTSRate carries both shapes spec §4.4 calls out: override rates are
// per-1k-characters, built-ins are per-character; the engine decides which
// UnitType to report based on which source resolved the rate.
type TTSRate struct {
	RatePer1kCharacters Money
	RatePerCharacter    Money
	IsOverride          bool
	Status              RateCardStatus
}

// RealtimeRate carries the per-component pricing for realtime sessions.
type RealtimeRate struct {
	RatePerMinuteInput  Money
	RatePerMinuteOutput Money
	RatePerTokenInput   Money // optional: zero means "not charged"
	RatePerTokenOutput  Money
	MinimumDurationSecs float64 // floor applied only to positive durations
	Status              RateCardStatus
}

// builtInTranscription, builtInTTS, builtInRealtime hold the built-in
// defaults consulted when no Active override exists. Rates are illustrative
// of real per-provider whisper/tts/realtime pricing tiers, matching the
// shape (not the literal values) of hortator-ai-Hortator's PriceMap.
var builtInTranscription = map[rateCardKey]TranscriptionRate{
	{Provider: "openai", Operation: OpTranscription, Model: "whisper-1"}: {
		RatePerMinute: NewMoneyFromFloat(0.006), Status: StatusActive,
	},
}

var builtInTTS = map[rateCardKey]TTSRate{
	{Provider: "openai", Operation: OpTTS, Model: "tts-1"}: {
		RatePerCharacter: NewMoneyFromFloat(0.000015), Status: StatusActive,
	},
}

var builtInRealtime = map[rateCardKey]RealtimeRate{
	{Provider: "openai", Operation: OpRealtime, Model: "gpt-4o-realtime-preview"}: {
		RatePerMinuteInput:  NewMoneyFromFloat(0.06),
		RatePerMinuteOutput: NewMoneyFromFloat(0.24),
		RatePerTokenInput:   NewMoneyFromFloat(0.000005),
		RatePerTokenOutput:  NewMoneyFromFloat(0.00002),
		MinimumDurationSecs: 1,
		Status:              StatusActive,
	},
}

// fallbackEstimateRates are the last-resort rates applied when neither an
// override nor a built-in exists, always marked IsEstimate on the result.
var (
	fallbackTranscriptionRate = NewMoneyFromFloat(0.01)
	fallbackTTSRatePerChar    = NewMoneyFromFloat(0.00002)
	fallbackRealtimeInput     = NewMoneyFromFloat(0.08)
	fallbackRealtimeOutput    = NewMoneyFromFloat(0.30)
)
