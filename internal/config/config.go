// Package config loads the pipeline's startup configuration from the
// environment using viper, following the same bind-and-default pattern the
// rest of this codebase's services use.
package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full set of options a session needs to start. No CLI parses
// flags for these; the launcher in cmd/agent loads one for its health
// checks but does not start a session itself.
type Config struct {
	STT struct {
		URL      string
		Language string
		Model    string
	}
	LLM struct {
		URL         string
		Model       string
		Temperature float64
	}
	TTS struct {
		URL               string
		Voice             string
		SampleRateHz      int
		PublishSampleRate int
	}
	VAD struct {
		ActivationThreshold float64
		MinSpeechMs         int
		MinSilenceMs        int
	}
	Turn struct {
		EndpointingDelayMs  int
		STTHangoverMs       int
		BargeInDeadlineMs   int
		MinWordsToInterrupt int
	}
	Dialogue struct {
		MaxTurns       int
		MaxChars       int
		SystemPreamble string
	}
	Server struct {
		Port     string
		LogLevel string
	}
}

// Load reads env vars (with sensible defaults) into a Config.
func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("stt.language", "en")
	v.SetDefault("stt.model", "small")

	v.SetDefault("llm.model", "llama3")
	v.SetDefault("llm.temperature", 0.7)

	v.SetDefault("tts.sample_rate_hz", 22050)
	v.SetDefault("tts.publish_sample_rate_hz", 48000)

	v.SetDefault("vad.activation_threshold", 0.45)
	v.SetDefault("vad.min_speech_ms", 100)
	v.SetDefault("vad.min_silence_ms", 300)

	v.SetDefault("turn.endpointing_delay_ms", 2000)
	v.SetDefault("turn.stt_hangover_ms", 300)
	v.SetDefault("turn.barge_in_deadline_ms", 150)
	v.SetDefault("turn.min_words_to_interrupt", 1)

	v.SetDefault("dialogue.max_turns", 16)
	v.SetDefault("dialogue.max_chars", 4000)
	v.SetDefault("dialogue.system_preamble", "You are a helpful, concise voice assistant.")

	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.port", "8080")

	v.BindEnv("stt.url", "STT_URL")
	v.BindEnv("stt.language", "STT_LANGUAGE")
	v.BindEnv("stt.model", "STT_MODEL")

	v.BindEnv("llm.url", "LLM_URL")
	v.BindEnv("llm.model", "LLM_MODEL")
	v.BindEnv("llm.temperature", "LLM_TEMPERATURE")

	v.BindEnv("tts.url", "TTS_URL")
	v.BindEnv("tts.voice", "TTS_VOICE")
	v.BindEnv("tts.sample_rate_hz", "TTS_SAMPLE_RATE_HZ")
	v.BindEnv("tts.publish_sample_rate_hz", "PUBLISH_SAMPLE_RATE_HZ")

	v.BindEnv("vad.activation_threshold", "VAD_ACTIVATION_THRESHOLD")
	v.BindEnv("vad.min_speech_ms", "VAD_MIN_SPEECH_MS")
	v.BindEnv("vad.min_silence_ms", "VAD_MIN_SILENCE_MS")

	v.BindEnv("turn.endpointing_delay_ms", "ENDPOINTING_DELAY_MS")
	v.BindEnv("turn.stt_hangover_ms", "STT_HANGOVER_MS")
	v.BindEnv("turn.barge_in_deadline_ms", "BARGE_IN_DEADLINE_MS")
	v.BindEnv("turn.min_words_to_interrupt", "MIN_WORDS_TO_INTERRUPT")

	v.BindEnv("dialogue.max_turns", "DIALOGUE_MAX_TURNS")
	v.BindEnv("dialogue.max_chars", "DIALOGUE_MAX_CHARS")
	v.BindEnv("dialogue.system_preamble", "SYSTEM_PREAMBLE")

	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.port", "PORT")

	var c Config
	c.STT.URL = v.GetString("stt.url")
	c.STT.Language = v.GetString("stt.language")
	c.STT.Model = v.GetString("stt.model")

	c.LLM.URL = v.GetString("llm.url")
	c.LLM.Model = v.GetString("llm.model")
	c.LLM.Temperature = v.GetFloat64("llm.temperature")

	c.TTS.URL = v.GetString("tts.url")
	c.TTS.Voice = v.GetString("tts.voice")
	c.TTS.SampleRateHz = v.GetInt("tts.sample_rate_hz")
	c.TTS.PublishSampleRate = v.GetInt("tts.publish_sample_rate_hz")

	c.VAD.ActivationThreshold = v.GetFloat64("vad.activation_threshold")
	c.VAD.MinSpeechMs = v.GetInt("vad.min_speech_ms")
	c.VAD.MinSilenceMs = v.GetInt("vad.min_silence_ms")

	c.Turn.EndpointingDelayMs = v.GetInt("turn.endpointing_delay_ms")
	c.Turn.STTHangoverMs = v.GetInt("turn.stt_hangover_ms")
	c.Turn.BargeInDeadlineMs = v.GetInt("turn.barge_in_deadline_ms")
	c.Turn.MinWordsToInterrupt = v.GetInt("turn.min_words_to_interrupt")

	c.Dialogue.MaxTurns = v.GetInt("dialogue.max_turns")
	c.Dialogue.MaxChars = v.GetInt("dialogue.max_chars")
	c.Dialogue.SystemPreamble = v.GetString("dialogue.system_preamble")

	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.Port = v.GetString("server.port")

	log.Printf("config loaded: stt=%s llm=%s tts=%s", c.STT.URL, c.LLM.URL, c.TTS.URL)
	return c
}

// Validate returns an error describing the first missing required field.
// Startup with an invalid configuration must fail fast per the error
// handling design: the supervisor does not attempt to rejoin.
func (c Config) Validate() error {
	switch {
	case c.STT.URL == "":
		return fmt.Errorf("config: stt.url is required")
	case c.LLM.URL == "":
		return fmt.Errorf("config: llm.url is required")
	case c.TTS.URL == "":
		return fmt.Errorf("config: tts.url is required")
	}
	return nil
}
