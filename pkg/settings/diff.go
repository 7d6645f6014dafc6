package settings

// Diff describes what changed between two snapshots.
type Diff struct {
	VolumeChanged  bool
	MicGainChanged bool

	// Restart lists the changed fields that only take effect after the
	// session is restarted.
	Restart []string
}

// Live reports whether any live-applicable field changed.
func (d Diff) Live() bool { return d.VolumeChanged || d.MicGainChanged }

// RestartRequired reports whether the session must be restarted.
func (d Diff) RestartRequired() bool { return len(d.Restart) > 0 }

// Empty reports whether nothing relevant changed.
func (d Diff) Empty() bool { return !d.Live() && !d.RestartRequired() }

// Compare returns what changed from old to new. Volume and micGain are
// applied to the running graph and player; the greeting is only read when a
// session starts, so changing it neither restarts nor updates anything live.
func Compare(old, new Settings) Diff {
	d := Diff{
		VolumeChanged:  old.Volume != new.Volume,
		MicGainChanged: old.MicGain != new.MicGain,
	}
	add := func(changed bool, field string) {
		if changed {
			d.Restart = append(d.Restart, field)
		}
	}
	add(old.SystemPrompt != new.SystemPrompt, "systemPrompt")
	add(old.Voice != new.Voice, "voice")
	add(old.VADThreshold != new.VADThreshold, "vadThreshold")
	add(old.SilenceDurationMs != new.SilenceDurationMs, "silenceDurationMs")
	add(old.Temperature != new.Temperature, "temperature")
	add(old.AILanguage != new.AILanguage, "aiLanguage")
	add(old.TTSProvider != new.TTSProvider, "ttsProvider")
	add(old.TTSModel != new.TTSModel, "ttsModel")
	add(old.ProviderTuning() != new.ProviderTuning(), "providerTuning")
	return d
}
