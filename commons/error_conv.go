package commons

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

const (
	// ErrorHeader carries the typed error of a failed HTTP response
	ErrorHeader string = "X-Thumbnail-Error"

	errorTypeDelimiter        string = ";"
	errorTypeSourceUnreadable string = "source_unreadable"
	errorTypeDecodeFailed     string = "decode_failed"
	errorTypeDiskIO           string = "disk_io"
	errorTypeDiskCorruption   string = "disk_corruption"
	errorTypeInternalError    string = "internal_error"
)

func addErrorTypeToMessage(prefix string, details ...string) string {
	detailsStr := strings.Join(details, errorTypeDelimiter)
	return fmt.Sprintf("%s%s%s", prefix, errorTypeDelimiter, detailsStr)
}

func extractErrorInfoFromMessage(msg string) (string, []string, string) {
	msgarr := strings.Split(msg, errorTypeDelimiter)
	if len(msgarr) == 2 {
		return msgarr[0], []string{}, msgarr[1]
	} else if len(msgarr) >= 3 {
		return msgarr[0], msgarr[1 : len(msgarr)-1], msgarr[len(msgarr)-1]
	}

	return errorTypeInternalError, []string{}, msg
}

// sanitizeHeaderValue keeps messages on a single header line
func sanitizeHeaderValue(msg string) string {
	return strings.NewReplacer("\r", " ", "\n", " ", errorTypeDelimiter, ",").Replace(msg)
}

// ErrorToHTTPStatus converts error to an HTTP status code and an ErrorHeader value
func ErrorToHTTPStatus(err error) (int, string) {
	if err == nil {
		return http.StatusOK, ""
	}

	if IsSourceUnreadableError(err) {
		var sourceUnreadableErr *SourceUnreadableError
		if errors.As(err, &sourceUnreadableErr) {
			return http.StatusNotFound, addErrorTypeToMessage(errorTypeSourceUnreadable, sanitizeHeaderValue(sourceUnreadableErr.SourceID), sanitizeHeaderValue(sourceUnreadableErr.Error()))
		}
		return http.StatusNotFound, addErrorTypeToMessage(errorTypeSourceUnreadable, sanitizeHeaderValue(err.Error()))
	} else if IsDecodeFailedError(err) {
		var decodeFailedErr *DecodeFailedError
		if errors.As(err, &decodeFailedErr) {
			return http.StatusUnprocessableEntity, addErrorTypeToMessage(errorTypeDecodeFailed, sanitizeHeaderValue(decodeFailedErr.SourceID), strconv.Itoa(decodeFailedErr.SampleSize), sanitizeHeaderValue(decodeFailedErr.Error()))
		}
		return http.StatusUnprocessableEntity, addErrorTypeToMessage(errorTypeDecodeFailed, sanitizeHeaderValue(err.Error()))
	} else if IsDiskIOError(err) {
		var diskIOErr *DiskIOError
		if errors.As(err, &diskIOErr) {
			return http.StatusInternalServerError, addErrorTypeToMessage(errorTypeDiskIO, sanitizeHeaderValue(diskIOErr.Path), sanitizeHeaderValue(diskIOErr.Error()))
		}
		return http.StatusInternalServerError, addErrorTypeToMessage(errorTypeDiskIO, sanitizeHeaderValue(err.Error()))
	} else if IsDiskCorruptionError(err) {
		var diskCorruptionErr *DiskCorruptionError
		if errors.As(err, &diskCorruptionErr) {
			return http.StatusInternalServerError, addErrorTypeToMessage(errorTypeDiskCorruption, sanitizeHeaderValue(diskCorruptionErr.Key), sanitizeHeaderValue(diskCorruptionErr.Reason))
		}
		return http.StatusInternalServerError, addErrorTypeToMessage(errorTypeDiskCorruption, sanitizeHeaderValue(err.Error()))
	}

	return http.StatusInternalServerError, addErrorTypeToMessage(errorTypeInternalError, sanitizeHeaderValue(err.Error()))
}

// HTTPStatusToError converts an HTTP status code and an ErrorHeader value to error
func HTTPStatusToError(status int, header string) error {
	if status >= 200 && status < 300 {
		return nil
	}

	if len(header) == 0 {
		return xerrors.Errorf("unexpected http status %d", status)
	}

	errType, errContent, errMessage := extractErrorInfoFromMessage(header)

	switch errType {
	case errorTypeSourceUnreadable:
		if len(errContent) > 0 {
			return NewSourceUnreadableError(errContent[0], nil)
		}
		return NewSourceUnreadableError("<unknown>", xerrors.New(errMessage))
	case errorTypeDecodeFailed:
		if len(errContent) > 1 {
			sampleSize, err := strconv.Atoi(errContent[1])
			if err != nil {
				sampleSize = 0
			}
			return NewDecodeFailedError(errContent[0], sampleSize, nil)
		}
		return NewDecodeFailedError("<unknown>", 0, xerrors.New(errMessage))
	case errorTypeDiskIO:
		if len(errContent) > 0 {
			return NewDiskIOError(errContent[0], xerrors.New(errMessage))
		}
		return NewDiskIOError("<unknown>", xerrors.New(errMessage))
	case errorTypeDiskCorruption:
		if len(errContent) > 0 {
			return NewDiskCorruptionError(errContent[0], errMessage)
		}
		return NewDiskCorruptionError("<unknown>", errMessage)
	default:
		return xerrors.Errorf("http status %d - %s", status, errMessage)
	}
}
