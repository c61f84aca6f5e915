//go:build cgo

package video

/*
#cgo pkg-config: openh264
#include <wels/codec_api.h>
#include <stdlib.h>
#include <string.h>

static int oh264_create(ISVCEncoder **enc) {
    return WelsCreateSVCEncoder(enc);
}

static int oh264_init(ISVCEncoder *enc, int width, int height, int bitrate,
                      float fps, int scene_change) {
    SEncParamExt param;
    memset(&param, 0, sizeof(param));
    (*enc)->GetDefaultParams(enc, &param);

    param.iUsageType = SCREEN_CONTENT_REAL_TIME;
    param.iPicWidth = width;
    param.iPicHeight = height;
    param.iTargetBitrate = bitrate;
    param.iRCMode = RC_BITRATE_MODE;
    param.fMaxFrameRate = fps;
    param.iTemporalLayerNum = 1;
    param.iSpatialLayerNum = 1;
    param.bEnableSceneChangeDetect = scene_change ? true : false;
    param.bEnableFrameSkip = true;
    param.uiIntraPeriod = 0;           // no periodic IDR; we force on demand
    param.iMultipleThreadIdc = 1;      // the worker pool provides parallelism

    param.sSpatialLayers[0].iVideoWidth = width;
    param.sSpatialLayers[0].iVideoHeight = height;
    param.sSpatialLayers[0].fFrameRate = fps;
    param.sSpatialLayers[0].iSpatialBitrate = bitrate;
    param.sSpatialLayers[0].uiProfileIdc = PRO_BASELINE;

    return (*enc)->InitializeExt(enc, &param);
}

static int oh264_encode(ISVCEncoder *enc,
                        unsigned char *y, unsigned char *u, unsigned char *v,
                        int width, int height, long long pts,
                        SFrameBSInfo *info) {
    SSourcePicture pic;
    memset(&pic, 0, sizeof(pic));
    pic.iColorFormat = videoFormatI420;
    pic.iPicWidth = width;
    pic.iPicHeight = height;
    pic.iStride[0] = width;
    pic.iStride[1] = width / 2;
    pic.iStride[2] = width / 2;
    pic.pData[0] = y;
    pic.pData[1] = u;
    pic.pData[2] = v;
    pic.uiTimeStamp = pts;
    return (*enc)->EncodeFrame(enc, &pic, info);
}

static int oh264_force_idr(ISVCEncoder *enc) {
    return (*enc)->ForceIntraFrame(enc, true);
}

static int oh264_set_bitrate(ISVCEncoder *enc, int bitrate) {
    SBitrateInfo info;
    info.iLayer = SPATIAL_LAYER_ALL;
    info.iBitrate = bitrate;
    return (*enc)->SetOption(enc, ENCODER_OPTION_BITRATE, &info);
}

static void oh264_destroy(ISVCEncoder *enc) {
    if (enc) {
        (*enc)->Uninitialize(enc);
        WelsDestroySVCEncoder(enc);
    }
}

// oh264_copy_bitstream flattens the layered NAL output into dst and
// returns the total size. dst may be NULL to query the size.
static int oh264_copy_bitstream(SFrameBSInfo *info, unsigned char *dst, int cap) {
    int total = 0;
    for (int layer = 0; layer < info->iLayerNum; layer++) {
        SLayerBSInfo *li = &info->sLayerInfo[layer];
        int layer_size = 0;
        for (int nal = 0; nal < li->iNalCount; nal++)
            layer_size += li->pNalLengthInByte[nal];
        if (dst != NULL) {
            if (total + layer_size > cap)
                return -1;
            memcpy(dst + total, li->pBsBuf, layer_size);
        }
        total += layer_size;
    }
    return total;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// openh264Backend wraps the Cisco OpenH264 encoder in screen-content
// real-time mode.
type openh264Backend struct {
	enc    *C.ISVCEncoder
	cfg    EncoderConfig
	pts    int64
	closed bool
}

func newSoftwareBackend(cfg EncoderConfig) (encoderBackend, error) {
	var enc *C.ISVCEncoder
	if rc := C.oh264_create(&enc); rc != 0 || enc == nil {
		return nil, fmt.Errorf("openh264: create failed (%d)", int(rc))
	}

	sceneChange := C.int(0)
	if cfg.SceneChangeDetect {
		sceneChange = 1
	}
	if rc := C.oh264_init(enc, C.int(cfg.Width), C.int(cfg.Height),
		C.int(cfg.Bitrate), C.float(cfg.FPS), sceneChange); rc != 0 {
		C.oh264_destroy(enc)
		return nil, fmt.Errorf("openh264: initialize failed (%d)", int(rc))
	}

	return &openh264Backend{enc: enc, cfg: cfg}, nil
}

func (o *openh264Backend) Encode(pic *I420, forceIDR bool) (EncodedPicture, error) {
	if o.closed {
		return EncodedPicture{}, ErrEncoderClosed
	}
	if pic.Width != o.cfg.Width || pic.Height != o.cfg.Height {
		return EncodedPicture{}, fmt.Errorf("openh264: picture %dx%d does not match encoder %dx%d",
			pic.Width, pic.Height, o.cfg.Width, o.cfg.Height)
	}

	if forceIDR {
		if rc := C.oh264_force_idr(o.enc); rc != 0 {
			return EncodedPicture{}, fmt.Errorf("openh264: force IDR failed (%d)", int(rc))
		}
	}

	o.pts += int64(1000 / o.cfg.FPS)

	var info C.SFrameBSInfo
	rc := C.oh264_encode(o.enc,
		(*C.uchar)(unsafe.Pointer(&pic.Y[0])),
		(*C.uchar)(unsafe.Pointer(&pic.U[0])),
		(*C.uchar)(unsafe.Pointer(&pic.V[0])),
		C.int(pic.Width), C.int(pic.Height), C.longlong(o.pts), &info)
	if rc != 0 {
		return EncodedPicture{}, fmt.Errorf("openh264: encode failed (%d)", int(rc))
	}

	if info.eFrameType == C.videoFrameTypeSkip {
		return EncodedPicture{}, nil
	}

	size := C.oh264_copy_bitstream(&info, nil, 0)
	if size <= 0 {
		return EncodedPicture{}, nil
	}
	data := make([]byte, int(size))
	if C.oh264_copy_bitstream(&info, (*C.uchar)(unsafe.Pointer(&data[0])), size) != size {
		return EncodedPicture{}, fmt.Errorf("openh264: bitstream copy truncated")
	}

	keyframe := info.eFrameType == C.videoFrameTypeIDR || info.eFrameType == C.videoFrameTypeI
	return EncodedPicture{Data: data, Keyframe: keyframe}, nil
}

func (o *openh264Backend) SetBitrate(bitrate int) error {
	if o.closed {
		return ErrEncoderClosed
	}
	if rc := C.oh264_set_bitrate(o.enc, C.int(bitrate)); rc != 0 {
		return fmt.Errorf("openh264: set bitrate failed (%d)", int(rc))
	}
	o.cfg.Bitrate = bitrate
	return nil
}

func (o *openh264Backend) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	C.oh264_destroy(o.enc)
	o.enc = nil
	return nil
}

func (o *openh264Backend) Name() string        { return "openh264" }
func (o *openh264Backend) IsHardware() bool    { return false }
func (o *openh264Backend) IsPlaceholder() bool { return false }
