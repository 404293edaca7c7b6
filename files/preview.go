package files

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxPreviewTriangles caps how much geometry the renderer accepts. Larger
// meshes are still rendered, just decimated by skipping triangles.
const maxPreviewTriangles = 500000

type vec3 struct{ x, y, z float64 }

func (v vec3) sub(o vec3) vec3 { return vec3{v.x - o.x, v.y - o.y, v.z - o.z} }
func (v vec3) cross(o vec3) vec3 {
	return vec3{v.y*o.z - v.z*o.y, v.z*o.x - v.x*o.z, v.x*o.y - v.y*o.x}
}
func (v vec3) dot(o vec3) float64 { return v.x*o.x + v.y*o.y + v.z*o.z }
func (v vec3) norm() vec3 {
	l := math.Sqrt(v.dot(v))
	if l == 0 {
		return v
	}
	return vec3{v.x / l, v.y / l, v.z / l}
}

type triangle struct{ a, b, c vec3 }

// RenderPreviewPNG rasterizes an STL or OBJ mesh into a square PNG of the
// given edge length.
func RenderPreviewPNG(path string, size int) ([]byte, error) {
	tris, err := loadMesh(path)
	if err != nil {
		return nil, err
	}
	img := rasterize(tris, size, 0)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderAnimatedGIF renders a slow rotation of the mesh as an animated GIF.
func RenderAnimatedGIF(path string, size int) ([]byte, error) {
	tris, err := loadMesh(path)
	if err != nil {
		return nil, err
	}
	const frames = 12
	anim := &gif.GIF{}
	for i := 0; i < frames; i++ {
		angle := 2 * math.Pi * float64(i) / frames
		img := rasterize(tris, size, angle)
		pal := image.NewPaletted(img.Bounds(), grayPalette())
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				pal.Set(x, y, img.At(x, y))
			}
		}
		anim.Image = append(anim.Image, pal)
		anim.Delay = append(anim.Delay, 12) // hundredths of a second
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, fmt.Errorf("gif encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

func grayPalette() color.Palette {
	pal := make(color.Palette, 0, 256)
	for i := 0; i < 256; i++ {
		pal = append(pal, color.Gray{Y: uint8(i)})
	}
	return pal
}

func loadMesh(path string) ([]triangle, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".stl":
		return loadSTL(path)
	case ".obj":
		return loadOBJ(path)
	default:
		return nil, fmt.Errorf("unsupported mesh format: %s", path)
	}
}

// loadSTL reads binary or ASCII STL, detected by content rather than by the
// 80-byte header, which binary exporters sometimes start with "solid" too.
func loadSTL(path string) ([]triangle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 84 {
		return loadASCIISTL(data)
	}
	count := binary.LittleEndian.Uint32(data[80:84])
	expected := 84 + int64(count)*50
	if int64(len(data)) == expected && count > 0 {
		return loadBinarySTL(data, count)
	}
	return loadASCIISTL(data)
}

func loadBinarySTL(data []byte, count uint32) ([]triangle, error) {
	if count > maxPreviewTriangles {
		count = maxPreviewTriangles
	}
	tris := make([]triangle, 0, count)
	off := 84
	for i := uint32(0); i < count; i++ {
		// 12 bytes normal, then three vertices, then attribute count.
		v := off + 12
		tris = append(tris, triangle{
			a: readVec(data[v : v+12]),
			b: readVec(data[v+12 : v+24]),
			c: readVec(data[v+24 : v+36]),
		})
		off += 50
	}
	return tris, nil
}

func readVec(b []byte) vec3 {
	return vec3{
		x: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[0:4]))),
		y: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4:8]))),
		z: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[8:12]))),
	}
}

func loadASCIISTL(data []byte) ([]triangle, error) {
	var tris []triangle
	var verts []vec3
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 4 && fields[0] == "vertex" {
			x, ex := strconv.ParseFloat(fields[1], 64)
			y, ey := strconv.ParseFloat(fields[2], 64)
			z, ez := strconv.ParseFloat(fields[3], 64)
			if ex != nil || ey != nil || ez != nil {
				continue
			}
			verts = append(verts, vec3{x, y, z})
			if len(verts) == 3 {
				tris = append(tris, triangle{verts[0], verts[1], verts[2]})
				verts = verts[:0]
				if len(tris) >= maxPreviewTriangles {
					break
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(tris) == 0 {
		return nil, fmt.Errorf("no triangles in STL")
	}
	return tris, nil
}

func loadOBJ(path string) ([]triangle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var verts []vec3
	var tris []triangle
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				continue
			}
			x, _ := strconv.ParseFloat(fields[1], 64)
			y, _ := strconv.ParseFloat(fields[2], 64)
			z, _ := strconv.ParseFloat(fields[3], 64)
			verts = append(verts, vec3{x, y, z})
		case "f":
			if len(fields) < 4 {
				continue
			}
			idx := make([]int, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				if i := strings.IndexByte(tok, '/'); i >= 0 {
					tok = tok[:i]
				}
				n, err := strconv.Atoi(tok)
				if err != nil {
					continue
				}
				if n < 0 {
					n = len(verts) + n + 1
				}
				if n >= 1 && n <= len(verts) {
					idx = append(idx, n-1)
				}
			}
			// Fan-triangulate polygons.
			for i := 1; i+1 < len(idx); i++ {
				tris = append(tris, triangle{verts[idx[0]], verts[idx[i]], verts[idx[i+1]]})
				if len(tris) >= maxPreviewTriangles {
					break
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(tris) == 0 {
		return nil, fmt.Errorf("no faces in OBJ")
	}
	return tris, nil
}

// rasterize draws the mesh with flat lambertian shading onto a gray
// background, rotated around the vertical axis by angle.
func rasterize(tris []triangle, size int, angle float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = 0xe8
	}

	// Center and scale to fit.
	min := vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	max := vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, t := range tris {
		for _, v := range [3]vec3{t.a, t.b, t.c} {
			min.x, min.y, min.z = math.Min(min.x, v.x), math.Min(min.y, v.y), math.Min(min.z, v.z)
			max.x, max.y, max.z = math.Max(max.x, v.x), math.Max(max.y, v.y), math.Max(max.z, v.z)
		}
	}
	center := vec3{(min.x + max.x) / 2, (min.y + max.y) / 2, (min.z + max.z) / 2}
	extent := math.Max(max.x-min.x, math.Max(max.y-min.y, max.z-min.z))
	if extent == 0 {
		extent = 1
	}
	scale := float64(size) * 0.8 / extent

	sin, cos := math.Sin(angle), math.Cos(angle)
	light := vec3{0.4, 0.5, 1}.norm()

	depth := make([]float64, size*size)
	for i := range depth {
		depth[i] = math.Inf(-1)
	}

	for _, t := range tris {
		// Rotate around Z (the build plate axis), then project X/Z to the
		// image plane with Y as depth.
		pa := project(t.a, center, sin, cos, scale, size)
		pb := project(t.b, center, sin, cos, scale, size)
		pc := project(t.c, center, sin, cos, scale, size)

		n := pb.sub(pa).cross(pc.sub(pa)).norm()
		shade := n.dot(light)
		if shade < 0 {
			shade = -shade
		}
		gray := uint8(60 + shade*170)

		fillTriangle(img, depth, pa, pb, pc, gray, size)
	}
	return img
}

func project(v, center vec3, sin, cos, scale float64, size int) vec3 {
	x := v.x - center.x
	y := v.y - center.y
	z := v.z - center.z
	rx := x*cos - y*sin
	ry := x*sin + y*cos
	return vec3{
		x: float64(size)/2 + rx*scale,
		y: float64(size)/2 - z*scale,
		z: ry, // depth toward the viewer
	}
}

func fillTriangle(img *image.Gray, depth []float64, a, b, c vec3, gray uint8, size int) {
	minX := int(math.Floor(math.Min(a.x, math.Min(b.x, c.x))))
	maxX := int(math.Ceil(math.Max(a.x, math.Max(b.x, c.x))))
	minY := int(math.Floor(math.Min(a.y, math.Min(b.y, c.y))))
	maxY := int(math.Ceil(math.Max(a.y, math.Max(b.y, c.y))))
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	if maxX >= size {
		maxX = size - 1
	}
	if maxY >= size {
		maxY = size - 1
	}

	area := edge(a, b, c)
	if area == 0 {
		return
	}
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			p := vec3{float64(x) + 0.5, float64(y) + 0.5, 0}
			w0 := edge(b, c, p) / area
			w1 := edge(c, a, p) / area
			w2 := edge(a, b, p) / area
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}
			z := w0*a.z + w1*b.z + w2*c.z
			i := y*size + x
			if z > depth[i] {
				depth[i] = z
				img.SetGray(x, y, color.Gray{Y: gray})
			}
		}
	}
}

func edge(a, b, p vec3) float64 {
	return (b.x-a.x)*(p.y-a.y) - (b.y-a.y)*(p.x-a.x)
}
