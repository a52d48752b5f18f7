package h2

import (
	"sync"

	"golang.org/x/net/http2"
)

func newSettingsMixin(c *Controller) settingsMixin {
	return settingsMixin{newPeerSettings(c), newSelfSettings()}
}

type settingsMixin struct {
	peerSettings, selfSettings *settings
}

func (s settingsMixin) GetPeerSetting(id http2.SettingID) uint32 {
	return s.peerSettings.GetSetting(id)
}

func (s settingsMixin) GetSelfSetting(id http2.SettingID) uint32 {
	return s.selfSettings.GetSetting(id)
}

// OnPeerSetting registers a callback run whenever the peer changes id.
// Callbacks run on the consumer goroutine before the SETTINGS ack is sent.
func (s settingsMixin) OnPeerSetting(id http2.SettingID, do func(value uint32)) {
	s.peerSettings.On(id, do)
}

// ConfigureSelfSetting shall be called before handshake.
func (s settingsMixin) ConfigureSelfSetting(id http2.SettingID, val uint32) error {
	if err := (http2.Setting{ID: id, Val: val}).Valid(); err != nil {
		return err
	}
	s.selfSettings.mu.Lock()
	s.selfSettings.settings[id] = val
	s.selfSettings.mu.Unlock()
	return nil
}

func (s settingsMixin) AdvertiseSelfSettings(c *Controller) error {
	settings := make([]http2.Setting, 0, 8)
	for id := 1; id <= 6; id++ {
		setting := http2.Setting{
			ID:  http2.SettingID(id),
			Val: s.selfSettings.GetSetting(http2.SettingID(id)),
		}
		if setting.Valid() == nil {
			settings = append(settings, setting)
		}
	}
	return c.WriteSettings(settings...)
}

func newSelfSettings() *settings {
	s := [7]uint32{}
	s[http2.SettingHeaderTableSize] = 4096
	s[http2.SettingEnablePush] = 0
	s[http2.SettingMaxConcurrentStreams] = 1000
	s[http2.SettingInitialWindowSize] = 4 << 20
	s[http2.SettingMaxFrameSize] = 1 << 20
	s[http2.SettingMaxHeaderListSize] = 10 << 20 // allow response header to be at most 10MB
	return &settings{settings: s}
}

// newPeerSettings creates a settings instance with default values
func newPeerSettings(c *Controller) *settings {
	s := [7]uint32{}
	s[http2.SettingHeaderTableSize] = 4096
	s[http2.SettingEnablePush] = 1
	s[http2.SettingMaxConcurrentStreams] = 1000
	s[http2.SettingInitialWindowSize] = 65535
	s[http2.SettingMaxFrameSize] = 16384
	s[http2.SettingMaxHeaderListSize] = 0xffffffff
	settings := &settings{settings: s}

	c.on[http2.FrameSettings] = func(f http2.Frame) {
		sf := f.(*http2.SettingsFrame)
		if sf.IsAck() {
			return
		}
		if err := settings.UpdateFrom(sf); err != nil {
			code := http2.ErrCodeProtocol
			if ce, ok := err.(http2.ConnectionError); ok {
				code = http2.ErrCode(ce)
			}
			c.GoAwayDebug(0, code, []byte("invalid settings"))
			return
		}
		if err := c.WriteSettingsAck(); err != nil {
			c.shutdown(err)
		}
	}
	return settings
}

const (
	minMaxFrameSize = 1 << 14
	maxMaxFrameSize = 1<<24 - 1
)

// settings is a set of http2 settings
type settings struct {
	settings [7]uint32               // http2.SettingID -> Val
	on       [7][]func(value uint32) // 6 -> max known settings id
	mu       sync.RWMutex
}

// On registers callback on server pushed settings to client
func (s *settings) On(id http2.SettingID, do func(value uint32)) {
	s.mu.Lock()
	s.on[id] = append(s.on[id], do)
	s.mu.Unlock()
}

// UpdateFrom applies a SETTINGS frame. Callbacks run after the new values
// are visible, outside of the lock.
func (s *settings) UpdateFrom(frame *http2.SettingsFrame) error {
	var fire []func()
	s.mu.Lock()
	err := frame.ForeachSetting(func(i http2.Setting) error {
		if err := i.Valid(); err != nil {
			return err
		}
		if int(i.ID) >= len(s.settings) {
			return nil // unknown settings MUST be ignored
		}
		s.settings[i.ID] = i.Val
		for _, v := range s.on[i.ID] {
			v, val := v, i.Val
			fire = append(fire, func() { v(val) })
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, f := range fire {
		f()
	}
	return nil
}

func (s *settings) MaxFrameSize() uint32 {
	fs := s.GetSetting(http2.SettingMaxFrameSize)
	if fs < minMaxFrameSize {
		return minMaxFrameSize
	}
	if fs > maxMaxFrameSize {
		return maxMaxFrameSize
	}
	return fs
}

func (s *settings) MaxHeaderListSize() uint32 {
	st := s.GetSetting(http2.SettingMaxHeaderListSize)
	if st == 0 {
		return 10 << 20
	}
	if st == 0xffffffff {
		return 0
	}
	return st
}

func (s *settings) GetSetting(id http2.SettingID) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[id]
}
