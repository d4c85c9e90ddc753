package guac

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
)

// maxLayerDim bounds layer dimensions. Instructions asking for more are
// corrupt draws and are dropped; instructions that merely reach past it
// are clipped.
const maxLayerDim = 8192

// Canvas is an off-screen rendering target that accumulates display
// instructions so a frame can be rasterized at any point of a recording.
// Only the subset of the drawing protocol the server itself emits to
// recordings is interpreted; unknown opcodes are ignored.
type Canvas struct {
	layers map[int]*image.RGBA
	rects  map[int]image.Rectangle // pending path per layer
	lastTS uint64
}

// NewCanvas creates an empty canvas.
func NewCanvas() *Canvas {
	return &Canvas{
		layers: make(map[int]*image.RGBA),
		rects:  make(map[int]image.Rectangle),
	}
}

// LastSync returns the most recent sync timestamp applied.
func (c *Canvas) LastSync() uint64 {
	return c.lastTS
}

// Size returns the root layer dimensions, or (0, 0) before the first size
// instruction.
func (c *Canvas) Size() (int, int) {
	root := c.layers[0]
	if root == nil {
		return 0, 0
	}
	return root.Bounds().Dx(), root.Bounds().Dy()
}

// Apply interprets one instruction. Decode failures inside image payloads
// are swallowed: a corrupt draw must not abort playback.
func (c *Canvas) Apply(in Instruction) {
	switch in.Opcode {
	case "size":
		c.applySize(in.Args)
	case "png":
		c.applyPNG(in.Args)
	case "copy":
		c.applyCopy(in.Args)
	case "rect":
		c.applyRect(in.Args)
	case "cfill":
		c.applyCfill(in.Args)
	case "dispose":
		if layer, ok := atoi(in.Args, 0); ok && layer != 0 {
			delete(c.layers, layer)
		}
	case "sync":
		if ts, ok := SyncTimestamp(in); ok {
			c.lastTS = ts
		}
	}
}

// size(layer, width, height)
func (c *Canvas) applySize(args []string) {
	layer, ok1 := atoi(args, 0)
	w, ok2 := atoi(args, 1)
	h, ok3 := atoi(args, 2)
	if !ok1 || !ok2 || !ok3 || w <= 0 || h <= 0 || w > maxLayerDim || h > maxLayerDim {
		return
	}
	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	if old := c.layers[layer]; old != nil {
		draw.Draw(resized, old.Bounds(), old, image.Point{}, draw.Src)
	}
	c.layers[layer] = resized
}

// png(mask, layer, x, y, data)
func (c *Canvas) applyPNG(args []string) {
	if len(args) < 5 {
		return
	}
	layer, ok1 := atoi(args, 1)
	x, ok2 := atoi(args, 2)
	y, ok3 := atoi(args, 3)
	if !ok1 || !ok2 || !ok3 {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(args[4])
	if err != nil {
		return
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	if err != nil || cfg.Width > maxLayerDim || cfg.Height > maxLayerDim {
		return
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return
	}
	dst := c.layer(layer, x+img.Bounds().Dx(), y+img.Bounds().Dy())
	rect := image.Rect(x, y, x+img.Bounds().Dx(), y+img.Bounds().Dy())
	draw.Draw(dst, rect, img, img.Bounds().Min, draw.Over)
}

// copy(srclayer, sx, sy, w, h, mask, dstlayer, dx, dy)
func (c *Canvas) applyCopy(args []string) {
	if len(args) < 9 {
		return
	}
	src, ok1 := atoi(args, 0)
	sx, ok2 := atoi(args, 1)
	sy, ok3 := atoi(args, 2)
	w, ok4 := atoi(args, 3)
	h, ok5 := atoi(args, 4)
	dstLayer, ok6 := atoi(args, 6)
	dx, ok7 := atoi(args, 7)
	dy, ok8 := atoi(args, 8)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 || !ok7 || !ok8 {
		return
	}
	if w <= 0 || h <= 0 || w > maxLayerDim || h > maxLayerDim {
		return
	}
	srcImg := c.layers[src]
	if srcImg == nil {
		return
	}
	// Copy through an intermediate so overlapping regions are safe.
	region := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(region, region.Bounds(), srcImg, image.Point{X: sx, Y: sy}, draw.Src)
	dst := c.layer(dstLayer, dx+w, dy+h)
	draw.Draw(dst, image.Rect(dx, dy, dx+w, dy+h), region, image.Point{}, draw.Src)
}

// rect(layer, x, y, w, h)
func (c *Canvas) applyRect(args []string) {
	layer, ok1 := atoi(args, 0)
	x, ok2 := atoi(args, 1)
	y, ok3 := atoi(args, 2)
	w, ok4 := atoi(args, 3)
	h, ok5 := atoi(args, 4)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return
	}
	c.rects[layer] = image.Rect(x, y, x+w, y+h)
}

// cfill(mask, layer, r, g, b, a)
func (c *Canvas) applyCfill(args []string) {
	if len(args) < 6 {
		return
	}
	layer, ok1 := atoi(args, 1)
	r, ok2 := atoi(args, 2)
	g, ok3 := atoi(args, 3)
	b, ok4 := atoi(args, 4)
	a, ok5 := atoi(args, 5)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return
	}
	rect, ok := c.rects[layer]
	if !ok {
		return
	}
	dst := c.layer(layer, rect.Max.X, rect.Max.Y)
	fill := image.NewUniform(color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: uint8(a)})
	draw.Draw(dst, rect, fill, image.Point{}, draw.Over)
	delete(c.rects, layer)
}

// layer returns the backing image for a layer, growing it to cover at
// least (minW, minH). Growth is clamped to maxLayerDim; draws past the
// clamp are clipped by draw.Draw.
func (c *Canvas) layer(id, minW, minH int) *image.RGBA {
	if minW < 1 {
		minW = 1
	}
	if minH < 1 {
		minH = 1
	}
	if minW > maxLayerDim {
		minW = maxLayerDim
	}
	if minH > maxLayerDim {
		minH = maxLayerDim
	}
	img := c.layers[id]
	if img == nil {
		img = image.NewRGBA(image.Rect(0, 0, minW, minH))
		c.layers[id] = img
		return img
	}
	if img.Bounds().Dx() >= minW && img.Bounds().Dy() >= minH {
		return img
	}
	w := img.Bounds().Dx()
	if w < minW {
		w = minW
	}
	h := img.Bounds().Dy()
	if h < minH {
		h = minH
	}
	grown := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(grown, img.Bounds(), img, image.Point{}, draw.Src)
	c.layers[id] = grown
	return grown
}

// RenderPNG rasterizes the root layer scaled to width x height and encodes
// it as PNG. Nearest-neighbor scaling: thumbnails do not need filtering.
func (c *Canvas) RenderPNG(width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		width, height = 1, 1
	}
	root := c.layers[0]
	if root == nil {
		root = image.NewRGBA(image.Rect(0, 0, 1, 1))
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	srcW := root.Bounds().Dx()
	srcH := root.Bounds().Dy()
	for y := 0; y < height; y++ {
		sy := y * srcH / height
		for x := 0; x < width; x++ {
			sx := x * srcW / width
			out.Set(x, y, root.At(sx, sy))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func atoi(args []string, i int) (int, bool) {
	if i >= len(args) {
		return 0, false
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, false
	}
	return v, true
}
