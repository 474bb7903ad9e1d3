package response

// ErrCode is a typed error code enum for consistent bridge error identification.
type ErrCode string

const (
	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Session ───────────────────────────────────────────────────────
	ErrNoAttempt         ErrCode = "NO_ACTIVE_ATTEMPT"
	ErrAttemptFinished   ErrCode = "ATTEMPT_FINISHED"
	ErrInvalidEntryToken ErrCode = "INVALID_ENTRY_TOKEN"

	// ─── Queue / sync ──────────────────────────────────────────────────
	ErrPersistence   ErrCode = "PERSISTENCE_ERROR"
	ErrNotFound      ErrCode = "NOT_FOUND"
	ErrSyncRejected  ErrCode = "SYNC_REJECTED"
	ErrSyncAbandoned ErrCode = "SYNC_ABANDONED"

	// ─── Proctoring ────────────────────────────────────────────────────
	ErrConsentRequired  ErrCode = "CONSENT_REQUIRED"
	ErrConsentDenied    ErrCode = "CONSENT_DENIED"
	ErrCaptureThrottled ErrCode = "CAPTURE_THROTTLED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Session ───────────────────────────────────────────────────────
	case ErrNoAttempt:
		return "Tidak ada sesi ujian yang aktif."
	case ErrAttemptFinished:
		return "Sesi ujian sudah berakhir."
	case ErrInvalidEntryToken:
		return "Token masuk ujian tidak valid."

	// ─── Queue / sync ──────────────────────────────────────────────────
	case ErrPersistence:
		return "Penyimpanan lokal gagal. Jawaban berisiko hilang — hubungi pengawas."
	case ErrNotFound:
		return "Data tidak ditemukan."
	case ErrSyncRejected:
		return "Server menolak data ini. Tidak akan dicoba ulang."
	case ErrSyncAbandoned:
		return "Pengiriman gagal berulang kali. Coba ulang secara manual."

	// ─── Proctoring ────────────────────────────────────────────────────
	case ErrConsentRequired:
		return "Izin kamera belum diberikan."
	case ErrConsentDenied:
		return "Izin kamera ditolak untuk sesi ini."
	case ErrCaptureThrottled:
		return "Pengambilan gambar terlalu sering."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
