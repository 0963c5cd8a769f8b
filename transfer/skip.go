package transfer

import (
	"sort"
	"strings"
)

// skipReason explains the outcome of the pre-upload checks. String is the short
// token used in analytics events, description is the human readable form used in logs.
type skipReason int

const (
	reasonKeyNotDynamic skipReason = iota
	reasonNoRestore
	reasonRestoreOtherKey
	reasonRestoreSameUniqueKey
	reasonRestoreSameKey
	reasonNewChecksumMatch
	reasonNewChecksumMismatch
)

func (r skipReason) String() string {
	switch r {
	case reasonKeyNotDynamic:
		return "key_not_dynamic"
	case reasonNoRestore:
		return "no_restore"
	case reasonRestoreOtherKey:
		return "restore_other_key"
	case reasonRestoreSameUniqueKey:
		return "restore_same_unique_key"
	case reasonRestoreSameKey:
		return "restore_same_key"
	case reasonNewChecksumMatch:
		return "new_checksum_match"
	case reasonNewChecksumMismatch:
		return "new_checksum_mismatch"
	default:
		return "unknown"
	}
}

func (r skipReason) description() string {
	switch r {
	case reasonKeyNotDynamic:
		return "key is not dynamic; the expectation is that the same key is used for uploading changing content over and over"
	case reasonNoRestore:
		return "no blob was fetched in this run, uploading a new one"
	case reasonRestoreOtherKey:
		return "no blob was fetched with this key in this run"
	case reasonRestoreSameUniqueKey:
		return "a blob with the same key was fetched in this run, a new upload would have the same content"
	case reasonRestoreSameKey:
		return "a blob with the same key was fetched in this run, but the content might have changed since then"
	case reasonNewChecksumMatch:
		return "the new archive is the same as the one fetched in this run"
	case reasonNewChecksumMismatch:
		return "the new archive doesn't match the one fetched in this run"
	default:
		return "unknown"
	}
}

func (s *sender) canSkipSend(keyTemplate, evaluatedKey string, isKeyUnique bool) (bool, skipReason) {
	if keyTemplate == evaluatedKey {
		return false, reasonKeyNotDynamic
	}

	hits := s.blobHits()
	if len(hits) == 0 {
		return false, reasonNoRestore
	}

	if _, ok := hits[evaluatedKey]; ok {
		if isKeyUnique {
			return true, reasonRestoreSameUniqueKey
		}
		return false, reasonRestoreSameKey
	}

	return false, reasonRestoreOtherKey
}

func (s *sender) canSkipUpload(newKey, newChecksum string) (bool, skipReason) {
	hits := s.blobHits()
	if len(hits) == 0 {
		return false, reasonNoRestore
	}

	checksum, ok := hits[newKey]
	if !ok {
		return false, reasonRestoreOtherKey
	}
	// A missing checksum on either side means equality can't be proven, upload anyway.
	if checksum != "" && checksum == newChecksum {
		return true, reasonNewChecksumMatch
	}
	return false, reasonNewChecksumMismatch
}

// blobHits returns the hit information exposed by previous fetches in the same run.
// The returned map's key is the fetched blob key, and the value is the checksum of the archive.
func (s *sender) blobHits() map[string]string {
	hits := map[string]string{}
	for _, e := range s.envRepo.List() {
		envParts := strings.SplitN(e, "=", 2)
		if len(envParts) < 2 {
			continue
		}
		envKey := envParts[0]
		envValue := envParts[1]

		if strings.HasPrefix(envKey, hitEnvVarPrefix) {
			key := strings.TrimPrefix(envKey, hitEnvVarPrefix)
			hits[key] = envValue
		}
	}
	return hits
}

func (s *sender) logOtherHits() {
	hits := s.blobHits()
	if len(hits) == 0 {
		return
	}

	var keys []string
	for key := range hits {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	s.logger.Printf("Other blob keys fetched in this run:")
	for _, key := range keys {
		s.logger.Printf("- %s", key)
	}
}
