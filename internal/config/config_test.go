package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/stratoslab/perpengine/pkg/errors"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) TestDefaultSettingsValidate() {
	suite.NoError(DefaultSettings().Validate())
}

func (suite *ConfigTestSuite) TestValidateRejectsCrossedThresholds() {
	s := DefaultSettings()
	s.RSILongThreshold = 75
	s.RSIShortThreshold = 70

	err := s.Validate()
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

func (suite *ConfigTestSuite) TestValidateRejectsZeroLeverage() {
	s := DefaultSettings()
	s.Leverage = 0
	suite.Error(s.Validate())
}

func (suite *ConfigTestSuite) TestIsBlackoutHour() {
	s := DefaultSettings()
	s.BlackoutHours = []int{0, 1, 23}

	suite.True(s.IsBlackoutHour(0))
	suite.True(s.IsBlackoutHour(23))
	suite.False(s.IsBlackoutHour(12))
}

func (suite *ConfigTestSuite) TestLoadSettingsLayersOverDefaults() {
	dir := suite.T().TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := []byte("symbols: [ETHUSDT]\nleverage: 10\n")
	suite.NoError(os.WriteFile(path, content, 0o600))

	s, err := LoadSettings(path)
	suite.NoError(err)
	suite.Equal([]string{"ETHUSDT"}, s.Symbols)
	suite.Equal(10, s.Leverage)
	// Untouched fields keep their defaults.
	suite.Equal(14, s.RSIPeriod)
}

func (suite *ConfigTestSuite) TestLoadSettingsMissingFile() {
	_, err := LoadSettings(filepath.Join(suite.T().TempDir(), "missing.yaml"))
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

type StoreTestSuite struct {
	suite.Suite
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (suite *StoreTestSuite) TestUpdatePublishesNewVersion() {
	store, err := NewStore(DefaultSettings())
	suite.NoError(err)
	suite.Equal(int64(1), store.Current().Version)

	snap, err := store.Update(func(s Settings) Settings {
		s.Leverage = 3

		return s
	})
	suite.NoError(err)
	suite.Equal(int64(2), snap.Version)
	suite.Equal(3, store.Current().Settings.Leverage)
}

func (suite *StoreTestSuite) TestRejectedUpdateKeepsPreviousSnapshot() {
	store, err := NewStore(DefaultSettings())
	suite.NoError(err)

	before := store.Current()

	_, err = store.Update(func(s Settings) Settings {
		s.Leverage = 0 // invalid

		return s
	})
	suite.Error(err)
	suite.Equal(before.Version, store.Current().Version)
	suite.Equal(before.Settings.Leverage, store.Current().Settings.Leverage)
}

func (suite *StoreTestSuite) TestUpdateDoesNotAliasPreviousSnapshot() {
	store, err := NewStore(DefaultSettings())
	suite.NoError(err)

	before := store.Current()

	_, err = store.Update(func(s Settings) Settings {
		s.Symbols[0] = "ETHUSDT" // mutates the copy, not the published snapshot

		return s
	})
	suite.NoError(err)

	suite.Equal("BTCUSDT", before.Settings.Symbols[0])
	suite.Equal("ETHUSDT", store.Current().Settings.Symbols[0])
}
