//go:build cgo && linux

package pipewire

/*
#cgo pkg-config: libpipewire-0.3 libspa-0.2
#include <pipewire/pipewire.h>
#include <spa/param/format-utils.h>
#include <spa/param/video/format-utils.h>
#include <spa/param/video/type-info.h>
#include <spa/debug/types.h>
#include <stdlib.h>
#include <string.h>
#include <sys/mman.h>
#include <time.h>
#include <unistd.h>

typedef struct {
    struct pw_loop *loop;
    struct pw_context *context;
    struct pw_core *core;
    struct pw_stream *stream;
    struct spa_hook stream_listener;
    struct spa_video_info format;
    int have_format;
    int dead;
    uintptr_t handle;
} PwCapture;

// Implemented in Go.
extern void goFrameCallback(uintptr_t handle, uint8_t *data, uint32_t size,
                            int32_t width, int32_t height, int32_t stride,
                            uint32_t spa_format, int32_t buffer_type, int64_t pts_us);
extern void goStreamError(uintptr_t handle, char *message);

static int64_t monotonic_us(void) {
    struct timespec ts;
    clock_gettime(CLOCK_MONOTONIC, &ts);
    return (int64_t)ts.tv_sec * 1000000 + ts.tv_nsec / 1000;
}

static void on_param_changed(void *data, uint32_t id, const struct spa_pod *param) {
    PwCapture *cap = data;
    if (param == NULL || id != SPA_PARAM_Format)
        return;
    if (spa_format_parse(param, &cap->format.media_type, &cap->format.media_subtype) < 0)
        return;
    if (cap->format.media_type != SPA_MEDIA_TYPE_video ||
        cap->format.media_subtype != SPA_MEDIA_SUBTYPE_raw)
        return;
    if (spa_format_video_raw_parse(param, &cap->format.info.raw) < 0)
        return;
    cap->have_format = 1;
}

static void on_state_changed(void *data, enum pw_stream_state old,
                             enum pw_stream_state state, const char *error) {
    PwCapture *cap = data;
    if (state == PW_STREAM_STATE_ERROR) {
        cap->dead = 1;
        goStreamError(cap->handle, (char *)(error ? error : "unknown stream error"));
    }
}

static void on_process(void *data) {
    PwCapture *cap = data;
    struct pw_buffer *b = pw_stream_dequeue_buffer(cap->stream);
    if (b == NULL)
        return;

    struct spa_buffer *buf = b->buffer;
    struct spa_data *d = &buf->datas[0];

    int32_t buffer_type = 0; // MemPtr
    uint8_t *pixels = NULL;
    void *mapped = NULL;
    size_t map_len = 0;
    uint32_t size = d->chunk->size;
    int32_t stride = d->chunk->stride;

    if (d->type == SPA_DATA_MemPtr) {
        pixels = (uint8_t *)d->data;
        if (pixels) pixels += d->chunk->offset;
    } else if (d->type == SPA_DATA_MemFd || d->type == SPA_DATA_DmaBuf) {
        buffer_type = (d->type == SPA_DATA_MemFd) ? 1 : 2;
        if (d->data != NULL) {
            pixels = (uint8_t *)d->data + d->chunk->offset;
        } else if (d->fd >= 0) {
            // Mapping the fd is the only way to read GPU-resident buffers
            // from the CPU.
            map_len = d->maxsize + d->mapoffset;
            mapped = mmap(NULL, map_len, PROT_READ, MAP_SHARED, (int)d->fd, 0);
            if (mapped != MAP_FAILED)
                pixels = (uint8_t *)mapped + d->mapoffset + d->chunk->offset;
            else
                mapped = NULL;
        }
    }

    int64_t pts = monotonic_us();
    struct spa_meta_header *h = spa_buffer_find_meta_data(buf, SPA_META_Header, sizeof(*h));
    if (h != NULL && h->pts > 0)
        pts = h->pts / 1000; // ns -> us

    int32_t width = 0, height = 0;
    if (cap->have_format) {
        width = cap->format.info.raw.size.width;
        height = cap->format.info.raw.size.height;
    }

    if (pixels != NULL) {
        goFrameCallback(cap->handle, pixels, size, width, height, stride,
                        cap->have_format ? cap->format.info.raw.format : 0,
                        buffer_type, pts);
    } else {
        // Still report size-0 / unmapped buffers so the ingest can log them.
        goFrameCallback(cap->handle, NULL, size, width, height, stride, 0,
                        buffer_type, pts);
    }

    if (mapped != NULL)
        munmap(mapped, map_len);

    pw_stream_queue_buffer(cap->stream, b);
}

static const struct pw_stream_events stream_events = {
    PW_VERSION_STREAM_EVENTS,
    .state_changed = on_state_changed,
    .param_changed = on_param_changed,
    .process = on_process,
};

static PwCapture *pw_capture_new(uintptr_t handle, int fd, uint32_t node_id, char **err_out) {
    PwCapture *cap = calloc(1, sizeof(PwCapture));
    if (cap == NULL) {
        *err_out = strdup("out of memory");
        return NULL;
    }
    cap->handle = handle;

    cap->loop = pw_loop_new(NULL);
    if (cap->loop == NULL) {
        *err_out = strdup("pw_loop_new failed");
        free(cap);
        return NULL;
    }

    cap->context = pw_context_new(cap->loop, NULL, 0);
    if (cap->context == NULL) {
        *err_out = strdup("pw_context_new failed");
        pw_loop_destroy(cap->loop);
        free(cap);
        return NULL;
    }

    if (fd >= 0)
        cap->core = pw_context_connect_fd(cap->context, fd, NULL, 0);
    else
        cap->core = pw_context_connect(cap->context, NULL, 0);
    if (cap->core == NULL) {
        *err_out = strdup("pipewire connect failed");
        pw_context_destroy(cap->context);
        pw_loop_destroy(cap->loop);
        free(cap);
        return NULL;
    }

    cap->stream = pw_stream_new(cap->core, "lamco-rdp-capture",
        pw_properties_new(
            PW_KEY_MEDIA_TYPE, "Video",
            PW_KEY_MEDIA_CATEGORY, "Capture",
            PW_KEY_MEDIA_ROLE, "Screen",
            NULL));
    if (cap->stream == NULL) {
        *err_out = strdup("pw_stream_new failed");
        pw_core_disconnect(cap->core);
        pw_context_destroy(cap->context);
        pw_loop_destroy(cap->loop);
        free(cap);
        return NULL;
    }

    pw_stream_add_listener(cap->stream, &cap->stream_listener, &stream_events, cap);

    uint8_t buffer[1024];
    struct spa_pod_builder builder = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));
    const struct spa_pod *params[1];
    params[0] = spa_pod_builder_add_object(&builder,
        SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat,
        SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_video),
        SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
        SPA_FORMAT_VIDEO_format, SPA_POD_CHOICE_ENUM_Id(4,
            SPA_VIDEO_FORMAT_BGRx,
            SPA_VIDEO_FORMAT_BGRA,
            SPA_VIDEO_FORMAT_RGBx,
            SPA_VIDEO_FORMAT_RGBA),
        SPA_FORMAT_VIDEO_size, SPA_POD_CHOICE_RANGE_Rectangle(
            &SPA_RECTANGLE(1920, 1080),
            &SPA_RECTANGLE(1, 1),
            &SPA_RECTANGLE(8192, 8192)));

    int res = pw_stream_connect(cap->stream, PW_DIRECTION_INPUT,
        node_id ? node_id : PW_ID_ANY,
        PW_STREAM_FLAG_AUTOCONNECT | PW_STREAM_FLAG_MAP_BUFFERS,
        params, 1);
    if (res < 0) {
        *err_out = strdup("pw_stream_connect failed");
        pw_stream_destroy(cap->stream);
        pw_core_disconnect(cap->core);
        pw_context_destroy(cap->context);
        pw_loop_destroy(cap->loop);
        free(cap);
        return NULL;
    }

    return cap;
}

// pw_capture_iterate runs one non-blocking loop iteration. Returns the
// number of dispatched events, or negative on loop failure.
static int pw_capture_iterate(PwCapture *cap) {
    return pw_loop_iterate(cap->loop, 0);
}

static int pw_capture_dead(PwCapture *cap) {
    return cap->dead;
}

static void pw_capture_destroy(PwCapture *cap) {
    if (cap == NULL)
        return;
    if (cap->stream)
        pw_stream_destroy(cap->stream);
    if (cap->core)
        pw_core_disconnect(cap->core);
    if (cap->context)
        pw_context_destroy(cap->context);
    if (cap->loop)
        pw_loop_destroy(cap->loop);
    free(cap);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/lamco-admin/lamco-rdp/internal/session"
)

var pwInitOnce sync.Once

// SPA video format ids we negotiate (subset of spa_video_format).
const (
	spaVideoFormatBGRx = 8
	spaVideoFormatBGRA = 12
	spaVideoFormatRGBx = 7
	spaVideoFormatRGBA = 11
)

// Stream is a connected PipeWire capture stream. Iterate must be called
// from a single goroutine (the ingest poll loop).
type Stream struct {
	cap    *C.PwCapture
	handle uintptr

	onFrame func(raw RawFrame)
	onError func(msg string)

	closeOnce sync.Once
}

// RawFrame is a borrowed view of one PipeWire buffer, valid only for the
// duration of the frame callback.
type RawFrame struct {
	Data        []byte // nil for size-0 early-stream signals
	Size        int
	Width       int
	Height      int
	Stride      int
	Format      session.PixelFormat
	BufferType  BufferType
	TimestampUS int64
}

var (
	streamsMu sync.Mutex
	streams   = map[uintptr]*Stream{}
	streamSeq uintptr
)

//export goFrameCallback
func goFrameCallback(handle C.uintptr_t, data *C.uint8_t, size C.uint32_t,
	width, height, stride C.int32_t, spaFormat C.uint32_t, bufferType C.int32_t, ptsUS C.int64_t) {
	streamsMu.Lock()
	s := streams[uintptr(handle)]
	streamsMu.Unlock()
	if s == nil || s.onFrame == nil {
		return
	}

	raw := RawFrame{
		Size:        int(size),
		Width:       int(width),
		Height:      int(height),
		Stride:      int(stride),
		Format:      spaToPixelFormat(uint32(spaFormat)),
		BufferType:  BufferType(bufferType),
		TimestampUS: int64(ptsUS),
	}
	if data != nil && size > 0 {
		raw.Data = unsafe.Slice((*byte)(unsafe.Pointer(data)), int(size))
	}
	s.onFrame(raw)
}

//export goStreamError
func goStreamError(handle C.uintptr_t, message *C.char) {
	streamsMu.Lock()
	s := streams[uintptr(handle)]
	streamsMu.Unlock()
	if s != nil && s.onError != nil {
		s.onError(C.GoString(message))
	}
}

func spaToPixelFormat(f uint32) session.PixelFormat {
	switch f {
	case spaVideoFormatBGRA:
		return session.FormatBGRA
	case spaVideoFormatBGRx:
		return session.FormatBGRx
	default:
		return session.FormatBGRx
	}
}

// Connect attaches to the capture node. access decides the transport:
// a portal connection fd, or the default user socket plus a node id.
func Connect(access session.CaptureAccess, onFrame func(RawFrame), onError func(string)) (*Stream, error) {
	pwInitOnce.Do(func() {
		C.pw_init(nil, nil)
	})

	streamsMu.Lock()
	streamSeq++
	handle := streamSeq
	streamsMu.Unlock()

	s := &Stream{handle: handle, onFrame: onFrame, onError: onError}
	streamsMu.Lock()
	streams[handle] = s
	streamsMu.Unlock()

	fd := C.int(-1)
	node := C.uint32_t(0)
	if access.ByFD() {
		fd = C.int(access.FD)
	}
	if access.NodeID != 0 {
		node = C.uint32_t(access.NodeID)
	}

	var cerr *C.char
	cap := C.pw_capture_new(C.uintptr_t(handle), fd, node, &cerr)
	if cap == nil {
		streamsMu.Lock()
		delete(streams, handle)
		streamsMu.Unlock()
		msg := C.GoString(cerr)
		C.free(unsafe.Pointer(cerr))
		return nil, fmt.Errorf("pipewire: %s", msg)
	}
	s.cap = cap
	return s, nil
}

// Iterate runs one non-blocking loop iteration, dispatching any pending
// frames through the callbacks.
func (s *Stream) Iterate() error {
	if s.cap == nil {
		return errors.New("pipewire: stream closed")
	}
	if C.pw_capture_dead(s.cap) != 0 {
		return errors.New("pipewire: stream dead")
	}
	if res := C.pw_capture_iterate(s.cap); res < 0 {
		return fmt.Errorf("pipewire: loop iterate failed (%d)", int(res))
	}
	return nil
}

// Close tears the stream down and releases the PipeWire connection.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		streamsMu.Lock()
		delete(streams, s.handle)
		streamsMu.Unlock()
		if s.cap != nil {
			C.pw_capture_destroy(s.cap)
			s.cap = nil
		}
	})
}
