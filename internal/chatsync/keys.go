package chatsync

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Bucket layout.
const (
	metadataKey       = "metadata.json"
	chatPrefix        = "chats/"
	settingsPrefix    = "settings/"
	legacySettingsKey = "settings.json"
	dailyBackupPrefix = "typingmind-backup-"
	namedBackupPrefix = "s-"
	backupSuffix      = ".zip"
	objectSuffix      = ".json"
)

func chatKey(id string) string {
	return chatPrefix + url.PathEscape(id) + objectSuffix
}

func settingKey(key string) string {
	return settingsPrefix + url.PathEscape(key) + objectSuffix
}

// chatIDFromKey reverses chatKey. ok is false for keys outside chats/.
func chatIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, chatPrefix) || !strings.HasSuffix(key, objectSuffix) {
		return "", false
	}

	id, err := url.PathUnescape(strings.TrimSuffix(strings.TrimPrefix(key, chatPrefix), objectSuffix))
	if err != nil {
		return "", false
	}

	return id, true
}

func dailyBackupKey(t time.Time) string {
	return dailyBackupPrefix + t.UTC().Format("20060102") + backupSuffix
}

func namedBackupKey(name string, t time.Time) string {
	return fmt.Sprintf("%s%s-%d%s", namedBackupPrefix, url.PathEscape(name), t.UnixMilli(), backupSuffix)
}

// isBackupKey reports whether key names a daily or named backup archive.
func isBackupKey(key string) bool {
	if strings.Contains(key, "/") || !strings.HasSuffix(key, backupSuffix) {
		return false
	}

	return strings.HasPrefix(key, dailyBackupPrefix) || strings.HasPrefix(key, namedBackupPrefix)
}

// dailyBackupDate parses the date of a daily backup key.
func dailyBackupDate(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, dailyBackupPrefix) || !strings.HasSuffix(key, backupSuffix) {
		return time.Time{}, false
	}

	day := strings.TrimSuffix(strings.TrimPrefix(key, dailyBackupPrefix), backupSuffix)

	t, err := time.Parse("20060102", day)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}
