package flare

import "time"

// PlanLimits bounds what a workspace on a plan may hold.
type PlanLimits struct {
	MaxTemplates       int `json:"maxTemplates"`
	MaxRunningSessions int `json:"maxRunningSessions"`
}

// Settings carries every tunable limit. An Engine copies it at construction.
type Settings struct {
	MaxBuildAttempts  int
	StuckBuildTTL     time.Duration
	UploadGrantTTL    time.Duration
	DeviceCodeTTL     time.Duration
	InviteTTL         time.Duration
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	RuntimeTokenTTL   time.Duration
	MaxBundleBytes    int64
	MaxSnapshotBytes  int64
	MaxPersistedPaths int
	RecoveryCodeCount int
	DispatchTimeout   time.Duration
	// RuntimeTokenSecret signs runtime JWTs. Empty means a random per-process key.
	RuntimeTokenSecret []byte
	Plans              map[Plan]PlanLimits
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxBuildAttempts:  3,
		StuckBuildTTL:     5 * time.Minute,
		UploadGrantTTL:    10 * time.Minute,
		DeviceCodeTTL:     10 * time.Minute,
		InviteTTL:         7 * 24 * time.Hour,
		AccessTokenTTL:    time.Hour,
		RefreshTokenTTL:   30 * 24 * time.Hour,
		RuntimeTokenTTL:   15 * time.Minute,
		MaxBundleBytes:    256 * 1024,
		MaxSnapshotBytes:  512 * 1024,
		MaxPersistedPaths: 8,
		RecoveryCodeCount: 8,
		DispatchTimeout:   2 * time.Second,
		Plans: map[Plan]PlanLimits{
			PlanFree:       {MaxTemplates: 10, MaxRunningSessions: 3},
			PlanPro:        {MaxTemplates: 50, MaxRunningSessions: 10},
			PlanEnterprise: {MaxTemplates: 500, MaxRunningSessions: 50},
		},
	}
}

func (s Settings) limits(plan Plan) PlanLimits {
	if l, ok := s.Plans[plan]; ok {
		return l
	}
	return s.Plans[PlanFree]
}
