package bucket

import (
	"context"
	"encoding/json"
	"io"
	"net/textproto"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/thatique/gudang/digest"
	"github.com/thatique/gudang/metadata"
	"github.com/thatique/gudang/validate"
	"github.com/thatique/gudang/verr"
)

// MetadataSizeHeader is the header field advertising how many bytes of a
// body are the JSON metadata prefix; the rest is the value. ReadRequest
// consumes it and WriteResponse sets it.
const MetadataSizeHeader = "gudang-metadata-size"

// Request is the parsed request envelope, discriminated by Method.
type Request struct {
	Method string `json:"method"`

	Object  string   `json:"object,omitempty"`
	Objects []string `json:"objects,omitempty"`

	OnlyIf      *validate.Conditions `json:"onlyIf,omitempty"`
	Range       *validate.RangeSpec  `json:"range,omitempty"`
	RangeHeader string               `json:"rangeHeader,omitempty"`

	Prefix     string   `json:"prefix,omitempty"`
	StartAfter string   `json:"startAfter,omitempty"`
	Cursor     string   `json:"cursor,omitempty"`
	Limit      *int     `json:"limit,omitempty"`
	Delimiter  string   `json:"delimiter,omitempty"`
	Include    []string `json:"include,omitempty"`

	HTTPMetadata   map[string]string `json:"httpMetadata,omitempty"`
	CustomMetadata map[string]string `json:"customMetadata,omitempty"`

	UploadID   string                  `json:"uploadId,omitempty"`
	PartNumber int                     `json:"partNumber,omitempty"`
	Parts      []metadata.SelectedPart `json:"parts,omitempty"`

	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	SHA384 string `json:"sha384,omitempty"`
	SHA512 string `json:"sha512,omitempty"`
}

// expectedDigests collects the digests the caller claimed for the value.
func (r *Request) expectedDigests() map[string]string {
	expected := map[string]string{}
	for algorithm, value := range map[string]string{
		digest.MD5:    r.MD5,
		digest.SHA1:   r.SHA1,
		digest.SHA256: r.SHA256,
		digest.SHA384: r.SHA384,
		digest.SHA512: r.SHA512,
	} {
		if value != "" {
			expected[algorithm] = value
		}
	}
	return expected
}

// Response is the engine's reply: a metadata document plus an optional body
// stream of BodyLength bytes. The transport serialises Metadata to JSON,
// advertises its length through MetadataSizeHeader, and streams Body after
// it.
type Response struct {
	Metadata   interface{}
	Body       io.ReadCloser
	BodyLength int64
}

// ReadRequest decodes a metadata-first body: the first MetadataSizeHeader
// bytes are the JSON request document, the rest is the value. contentLength
// is the advertised total body length, or -1 when unknown; the returned
// valueSize is contentLength minus the metadata prefix, or -1.
//
// The returned reader is body positioned at the first value byte.
func ReadRequest(header textproto.MIMEHeader, contentLength int64, body io.Reader) (*Request, io.Reader, int64, error) {
	raw := header.Get(MetadataSizeHeader)
	if raw == "" {
		return nil, nil, 0, verr.Newf(verr.InvalidArgument, nil, "missing %s header", MetadataSizeHeader)
	}
	metadataSize, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || metadataSize < 0 {
		return nil, nil, 0, verr.Newf(verr.InvalidArgument, nil, "malformed %s header %q", MetadataSizeHeader, raw)
	}
	if contentLength >= 0 && metadataSize > contentLength {
		return nil, nil, 0, verr.Newf(verr.InvalidArgument, nil, "metadata prefix of %d bytes exceeds the %d byte body", metadataSize, contentLength)
	}
	prefix := make([]byte, metadataSize)
	if _, err := io.ReadFull(body, prefix); err != nil {
		return nil, nil, 0, verr.Newf(verr.InvalidArgument, err, "truncated metadata prefix")
	}
	req := new(Request)
	if err := json.Unmarshal(prefix, req); err != nil {
		return nil, nil, 0, verr.Newf(verr.Internal, err, "decoding request envelope")
	}
	valueSize := int64(-1)
	if contentLength >= 0 {
		valueSize = contentLength - metadataSize
	}
	return req, body, valueSize, nil
}

// WriteResponse encodes resp's metadata document, re-advertises its length
// through MetadataSizeHeader, and streams the body bytes after it. resp's
// body, when present, is closed.
func WriteResponse(header textproto.MIMEHeader, w io.Writer, resp *Response) error {
	prefix, err := json.Marshal(resp.Metadata)
	if err != nil {
		return verr.Newf(verr.Internal, err, "encoding response envelope")
	}
	header.Set(MetadataSizeHeader, strconv.Itoa(len(prefix)))
	if _, err := w.Write(prefix); err != nil {
		return verr.Newf(verr.Internal, err, "writing response envelope")
	}
	if resp.Body == nil {
		return nil
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return verr.Newf(verr.Internal, err, "streaming response body")
	}
	return nil
}

// WriteError encodes an error the same way: the payload document becomes
// the metadata prefix and there is no body. It returns the HTTP-style
// status the transport should carry.
func WriteError(header textproto.MIMEHeader, w io.Writer, opErr error) (int, error) {
	payload, status := EncodeError(opErr)
	if err := WriteResponse(header, w, &Response{Metadata: payload}); err != nil {
		return 0, err
	}
	return status, nil
}

// created is the result document of createMultipartUpload.
type created struct {
	UploadID string `json:"uploadId"`
}

// uploadedPart is the result document of uploadPart.
type uploadedPart struct {
	Etag string `json:"etag"`
}

// Dispatch routes one request envelope to the operation its method names.
// body holds the request's value bytes when the method carries any;
// valueSize is the advertised value length, or -1 when the transport could
// not derive one (a caller bug for put and uploadPart).
func (b *Bucket) Dispatch(ctx context.Context, req *Request, body io.Reader, valueSize int64) (*Response, error) {
	switch req.Method {
	case "head":
		obj, err := b.Head(ctx, req.Object)
		if err != nil {
			return nil, err
		}
		return &Response{Metadata: obj}, nil

	case "get":
		obj, r, err := b.Get(ctx, req.Object, &GetOptions{
			OnlyIf:      req.OnlyIf,
			Range:       req.Range,
			RangeHeader: req.RangeHeader,
		})
		if err != nil {
			return nil, err
		}
		return &Response{Metadata: obj, Body: r, BodyLength: obj.Range.Length}, nil

	case "list":
		includeHTTP, includeCustom := false, false
		for _, inc := range req.Include {
			switch inc {
			case "httpMetadata":
				includeHTTP = true
			case "customMetadata":
				includeCustom = true
			default:
				return nil, verr.Newf(verr.InvalidArgument, nil, "unknown include field %q", inc)
			}
		}
		page, err := b.List(ctx, &ListOptions{
			Prefix:        req.Prefix,
			StartAfter:    req.StartAfter,
			Cursor:        req.Cursor,
			Limit:         req.Limit,
			Delimiter:     req.Delimiter,
			IncludeHTTP:   includeHTTP,
			IncludeCustom: includeCustom,
		})
		if err != nil {
			return nil, err
		}
		return &Response{Metadata: page}, nil

	case "put":
		if valueSize < 0 {
			return nil, verr.Newf(verr.InvalidArgument, nil, "put requires a value size")
		}
		obj, err := b.Put(ctx, req.Object, io.LimitReader(body, valueSize), valueSize, &PutOptions{
			HTTPMetadata:   req.HTTPMetadata,
			CustomMetadata: req.CustomMetadata,
			OnlyIf:         req.OnlyIf,
			Expected:       req.expectedDigests(),
		})
		if err != nil {
			return nil, err
		}
		return &Response{Metadata: obj}, nil

	case "delete":
		keys := req.Objects
		if len(keys) == 0 {
			keys = []string{req.Object}
		}
		if len(keys) > validate.MaxListLimit {
			return nil, verr.Newf(verr.InvalidArgument, nil, "delete of %d keys exceeds the maximum of %d", len(keys), validate.MaxListLimit)
		}
		if err := b.Delete(ctx, keys...); err != nil {
			return nil, err
		}
		return &Response{}, nil

	case "createMultipartUpload":
		uploadID, err := b.CreateMultipartUpload(ctx, req.Object, &UploadOptions{
			HTTPMetadata:   req.HTTPMetadata,
			CustomMetadata: req.CustomMetadata,
		})
		if err != nil {
			return nil, err
		}
		return &Response{Metadata: created{UploadID: uploadID}}, nil

	case "uploadPart":
		if valueSize < 0 {
			return nil, verr.Newf(verr.InvalidArgument, nil, "uploadPart requires a value size")
		}
		etag, err := b.UploadPart(ctx, req.Object, req.UploadID, req.PartNumber,
			io.LimitReader(body, valueSize), valueSize)
		if err != nil {
			return nil, err
		}
		return &Response{Metadata: uploadedPart{Etag: etag}}, nil

	case "completeMultipartUpload":
		obj, err := b.CompleteMultipartUpload(ctx, req.Object, req.UploadID, req.Parts)
		if err != nil {
			return nil, err
		}
		return &Response{Metadata: obj}, nil

	case "abortMultipartUpload":
		if err := b.AbortMultipartUpload(ctx, req.Object, req.UploadID); err != nil {
			return nil, err
		}
		return &Response{}, nil
	}
	return nil, verr.Newf(verr.Internal, nil, "unknown method %q", req.Method)
}

// ErrorPayload is the error document of the response envelope.
type ErrorPayload struct {
	Message string `json:"message"`
	V4Code  int    `json:"v4code"`
	// Metadata is the current object, attached when a get fails its
	// precondition.
	Metadata *Object `json:"metadata,omitempty"`
}

// EncodeError maps any engine error to its wire payload and HTTP-style
// status.
func EncodeError(err error) (*ErrorPayload, int) {
	code := verr.Code(err)
	payload := &ErrorPayload{
		Message: code.String(),
		V4Code:  code.V4Code(),
	}
	var ve *verr.Error
	if xerrors.As(err, &ve) {
		payload.Message = ve.Message()
	}
	var pre *PreconditionError
	if xerrors.As(err, &pre) {
		payload.Metadata = pre.Object
	}
	var bad *validate.BadDigestError
	if xerrors.As(err, &bad) {
		payload.Message = bad.Error()
	}
	return payload, code.HTTPStatus()
}
